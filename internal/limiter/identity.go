package limiter

import "net/http"

// Identity is the caller identity material available to a check. Fields
// may be empty when the corresponding source is absent from the request.
type Identity struct {
	UserID string
	OrgID  string
	IP     string
}

// IdentityKey derives the counter bucket key for an identity. An
// explicit key always wins. Otherwise the configured strategy applies,
// falling back through user and IP when the preferred source is absent:
//
//	userId     -> user, else ip
//	orgId      -> org, else user, else ip
//	header     -> named request header, else ip
//	ip         -> ip
//	userIdOrIp -> user, else ip (default for unknown strategies)
func IdentityKey(cfg IdentityConfig, id Identity, explicit string, headers http.Header) string {
	if explicit != "" {
		return explicit
	}

	switch cfg.Type {
	case IdentityIP:
		return "ip:" + id.IP

	case IdentityUserID:
		if id.UserID != "" {
			return "user:" + id.UserID
		}
		return "ip:" + id.IP

	case IdentityOrgID:
		if id.OrgID != "" {
			return "org:" + id.OrgID
		}
		if id.UserID != "" {
			return "user:" + id.UserID
		}
		return "ip:" + id.IP

	case IdentityHeader:
		if v := headers.Get(cfg.Header); v != "" {
			return "hdr:" + cfg.Header + ":" + v
		}
		return "ip:" + id.IP

	default: // userIdOrIp
		if id.UserID != "" {
			return "user:" + id.UserID
		}
		return "ip:" + id.IP
	}
}
