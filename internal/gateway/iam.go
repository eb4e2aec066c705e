package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/majorcontext/metaproxy/internal/inventory"
	"github.com/majorcontext/metaproxy/internal/issuer"
	"github.com/majorcontext/metaproxy/internal/log"
	"github.com/majorcontext/metaproxy/internal/metrics"
	"github.com/majorcontext/metaproxy/internal/role"
)

// TimeFormat is the timestamp layout used by the metadata service.
const TimeFormat = "2006-01-02T15:04:05Z"

// RoleInfo is the body of .../iam/info.
type RoleInfo struct {
	Code               string `json:"Code"`
	LastUpdated        string `json:"LastUpdated"`
	InstanceProfileArn string `json:"InstanceProfileArn"`
	InstanceProfileId  string `json:"InstanceProfileId"`
}

// CredentialEnvelope is the body of .../security-credentials/{role}.
type CredentialEnvelope struct {
	Code            string `json:"Code"`
	LastUpdated     string `json:"LastUpdated"`
	Type            string `json:"Type"`
	AccessKeyId     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	Token           string `json:"Token"`
	Expiration      string `json:"Expiration"`
}

// served carries what an intercepted request resolved to, for logging.
type served struct {
	container string
	role      string
}

// serveIAM handles the intercepted kinds. Rejections carry no body so the
// caller cannot tell a missing role from someone else's.
func (g *Gateway) serveIAM(w http.ResponseWriter, r *http.Request, pr ProxyRequest) served {
	identity, binding, status := g.authorize(pr)
	res := served{container: identity.ShortID(), role: binding.Name}
	if status != http.StatusOK {
		w.WriteHeader(status)
		return res
	}

	switch pr.Kind {
	case KindRoleList:
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(binding.Name))

	case KindRoleInfo:
		log.Debug("providing role info",
			"subsystem", "gateway",
			"container", identity.ShortID(),
			"role", binding.ARN)
		writeJSON(w, http.StatusOK, RoleInfo{
			Code:               "Success",
			LastUpdated:        g.clock.Now().UTC().Format(TimeFormat),
			InstanceProfileArn: binding.InstanceProfileARN(),
			InstanceProfileId:  InstanceProfileID(binding.ARN),
		})

	case KindCredentials:
		creds, err := g.credentials.Get(r.Context(), binding)
		if err != nil {
			g.credentialFailure(w, r, identity, binding, err)
			return res
		}
		log.Debug("providing credentials",
			"subsystem", "gateway",
			"container", identity.ShortID(),
			"role", binding.ARN,
			"expires_in", creds.Expiration.Sub(g.clock.Now()).Round(time.Second))
		writeJSON(w, http.StatusOK, CredentialEnvelope{
			Code:            "Success",
			LastUpdated:     creds.IssuedAt.UTC().Format(TimeFormat),
			Type:            "AWS-HMAC",
			AccessKeyId:     creds.AccessKeyID,
			SecretAccessKey: creds.SecretAccessKey,
			Token:           creds.SessionToken,
			Expiration:      creds.Expiration.UTC().Format(TimeFormat),
		})
	}
	return res
}

// authorize resolves the caller's binding. It returns 200, 404 (no identity
// or no binding) or 403 (credentials requested for another role).
func (g *Gateway) authorize(pr ProxyRequest) (inventory.ContainerIdentity, role.Binding, int) {
	identity, err := g.locator.Lookup(pr.Source)
	if err != nil {
		reason := "no_identity"
		if inventory.IsUnavailable(err) {
			reason = "inventory_unavailable"
			log.Warn("inventory unavailable; refusing request",
				"subsystem", "gateway",
				"client", clientAddr(pr.Source),
				"path", pr.Path,
				"error", err)
		} else {
			log.Info("no container for caller",
				"subsystem", "gateway",
				"client", clientAddr(pr.Source),
				"path", pr.Path)
		}
		metrics.Rejected(reason)
		return identity, role.Binding{}, http.StatusNotFound
	}

	binding, ok := g.resolver.BoundRole(identity)
	if !ok {
		log.Info("container has no role binding",
			"subsystem", "gateway",
			"container", identity.ShortID(),
			"path", pr.Path)
		metrics.Rejected("no_binding")
		return identity, role.Binding{}, http.StatusNotFound
	}

	if pr.Kind == KindCredentials && !g.resolver.Matches(pr.RequestedRole, identity) {
		log.Warn("requested role does not match container binding",
			"subsystem", "gateway",
			"container", identity.ShortID(),
			"requested", pr.RequestedRole,
			"bound", binding.Name)
		metrics.Rejected("role_mismatch")
		return identity, binding, http.StatusForbidden
	}
	return identity, binding, http.StatusOK
}

func (g *Gateway) credentialFailure(w http.ResponseWriter, r *http.Request, identity inventory.ContainerIdentity, binding role.Binding, err error) {
	attrs := []any{
		"subsystem", "gateway",
		"container", identity.ShortID(),
		"role", binding.ARN,
		"error", err,
	}
	if kind, ok := issuer.KindOf(err); ok {
		attrs = append(attrs, "kind", kind.String())
	}

	switch ctxErr := r.Context().Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		log.Error("credential request timed out", attrs...)
		w.WriteHeader(http.StatusGatewayTimeout)
	case errors.Is(ctxErr, context.Canceled):
		log.Debug("caller went away while waiting for credentials", attrs...)
	default:
		log.Error("credential request failed", attrs...)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// InstanceProfileID derives a stable AIPA-prefixed profile ID from roleARN.
func InstanceProfileID(roleARN string) string {
	sum := sha256.Sum256([]byte(roleARN))
	return "AIPA" + base32.StdEncoding.EncodeToString(sum[:])[:17]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
