package opshttp

import (
	"net"
	"net/http"
	"net/netip"

	"github.com/hefzhail/botops/internal/log"
)

// requireNonPublicNetwork rejects requests whose peer address is not
// loopback, private, or link-local. The admin listener binds all
// interfaces, so this is the backstop when a firewall rule is missing.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		addr, err := netip.ParseAddr(host)
		if err != nil {
			L.Warn(r.Context(), "admin request with unparseable peer address", "remote_addr", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		addr = addr.Unmap()
		if !addr.IsLoopback() && !addr.IsPrivate() && !addr.IsLinkLocalUnicast() {
			L.Warn(r.Context(), "admin request from public address rejected", "remote_addr", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
