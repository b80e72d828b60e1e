package server

import (
	"fmt"
	"net"
	"strings"

	"github.com/agentsh/execgate/internal/config"
	"github.com/agentsh/execgate/pkg/types"
)

// validateExposure refuses configurations that would let an agent approve
// its own commands or reach an unauthenticated API from another host.
func validateExposure(cfg *config.Config) error {
	if types.ApprovalMode(cfg.Approvals.Mode) == types.ApprovalModeAPI && !cfg.AuthEnabled() {
		return fmt.Errorf("approvals.mode=api requires auth.type=api_key (auth is disabled)")
	}
	if !cfg.AuthEnabled() && !isLoopbackListenAddr(cfg.Server.Addr) {
		return fmt.Errorf("refusing to listen on %q with auth.type=none (use 127.0.0.1/localhost or enable auth)", cfg.Server.Addr)
	}
	return nil
}

func isLoopbackListenAddr(addr string) bool {
	a := strings.TrimSpace(addr)
	if a == "" {
		return false
	}
	// ":8080" binds on all interfaces.
	if strings.HasPrefix(a, ":") {
		return false
	}
	host, _, err := net.SplitHostPort(a)
	if err != nil {
		host = a
	}
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	// Unknown hostnames could resolve to anything.
	return false
}
