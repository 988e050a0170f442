// Package credentials resolves the upstream authentication material for one
// relayed request. Resolution is a pure function of the server-wide defaults
// and the headers that arrived with the underlying transport call; it performs
// no I/O and never mutates shared state. An absent credential is a valid
// outcome — it is rejected later, at dispatch time, by whichever call actually
// needs that service.
package credentials

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// Service names one upstream REST service.
type Service string

const (
	ServiceJira       Service = "jira"
	ServiceConfluence Service = "confluence"
)

// Services lists every upstream service in a stable order.
var Services = []Service{ServiceJira, ServiceConfluence}

// Header names carrying request-scoped credentials. The service-specific
// headers win over the shared Authorization bearer for their service only.
const (
	HeaderJiraToken       = "X-Jira-Token"
	HeaderConfluenceToken = "X-Confluence-Token"
)

// ErrNoCredential is returned when an operation requires a credential for a
// service whose resolved credential is absent.
var ErrNoCredential = errors.New("no credential resolved for service")

// Kind discriminates the credential union.
type Kind string

const (
	KindAbsent Kind = "absent"
	KindBasic  Kind = "basic"
	KindBearer Kind = "bearer"
)

// Credential is the resolved authentication material for one service.
// Token is secret: it must never appear in logs, errors, or responses.
type Credential struct {
	Kind     Kind
	Identity string // basic-auth identity; empty for bearer and absent
	Token    string
}

// Absent returns the zero credential.
func Absent() Credential { return Credential{Kind: KindAbsent} }

// Basic builds a username+token credential.
func Basic(identity, token string) Credential {
	return Credential{Kind: KindBasic, Identity: identity, Token: token}
}

// Bearer builds a bearer-token credential.
func Bearer(token string) Credential {
	return Credential{Kind: KindBearer, Token: token}
}

// IsAbsent reports whether no usable credential was resolved.
func (c Credential) IsAbsent() bool { return c.Kind == KindAbsent || c.Kind == "" }

// Apply sets the credential on an outgoing upstream request.
func (c Credential) Apply(req *http.Request) error {
	switch c.Kind {
	case KindBasic:
		req.SetBasicAuth(c.Identity, c.Token)
		return nil
	case KindBearer:
		req.Header.Set("Authorization", "Bearer "+c.Token)
		return nil
	default:
		return ErrNoCredential
	}
}

// LogValue keeps credentials out of logs: only the kind and a masked identity
// are ever emitted.
func (c Credential) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("kind", string(c.Kind))}
	if c.Identity != "" {
		attrs = append(attrs, slog.String("identity", maskIdentity(c.Identity)))
	}
	return slog.GroupValue(attrs...)
}

func maskIdentity(s string) string {
	if at := strings.IndexByte(s, '@'); at > 2 {
		return s[:2] + "…" + s[at:]
	}
	if len(s) > 2 {
		return s[:2] + "…"
	}
	return "…"
}

// OverrideHeader returns the service-specific credential header name.
func OverrideHeader(service Service) string {
	switch service {
	case ServiceJira:
		return HeaderJiraToken
	case ServiceConfluence:
		return HeaderConfluenceToken
	}
	return ""
}

// Set holds one resolved credential per upstream service.
type Set struct {
	Jira       Credential
	Confluence Credential
}

// For returns the credential resolved for the given service.
func (s Set) For(service Service) (Credential, error) {
	switch service {
	case ServiceJira:
		return s.Jira, nil
	case ServiceConfluence:
		return s.Confluence, nil
	default:
		return Credential{}, fmt.Errorf("unknown service %q", service)
	}
}

// ServiceDefaults is the server-wide configured credential material for one
// service. A personal token wins over username+API token when both are set.
type ServiceDefaults struct {
	Username      string
	APIToken      string
	PersonalToken string
}

// Credential converts the defaults into a concrete credential.
func (d ServiceDefaults) Credential() Credential {
	if d.PersonalToken != "" {
		return Bearer(d.PersonalToken)
	}
	if d.Username != "" && d.APIToken != "" {
		return Basic(d.Username, d.APIToken)
	}
	return Absent()
}

// Defaults is the server-wide configured credential material per service.
type Defaults struct {
	Jira       ServiceDefaults
	Confluence ServiceDefaults
}

// Resolve produces the effective credential set for one request. Precedence,
// highest first: the service-specific header (verbatim bearer token for that
// service only), the shared Authorization bearer, the server-wide defaults.
// The service-specific override never bleeds into the other service: each
// service resolves independently.
func Resolve(defaults Defaults, h http.Header) Set {
	shared := sharedBearer(h)
	return Set{
		Jira:       resolveService(h.Get(HeaderJiraToken), shared, defaults.Jira),
		Confluence: resolveService(h.Get(HeaderConfluenceToken), shared, defaults.Confluence),
	}
}

func resolveService(override, shared string, d ServiceDefaults) Credential {
	if override != "" {
		return Bearer(override)
	}
	if shared != "" {
		return Bearer(shared)
	}
	return d.Credential()
}

func sharedBearer(h http.Header) string {
	auth := h.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return token
	}
	return ""
}
