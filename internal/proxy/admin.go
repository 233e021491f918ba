package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/keygateio/keygate/internal/providers"
	"github.com/keygateio/keygate/internal/store"
	"github.com/keygateio/keygate/internal/vault"
	"github.com/keygateio/keygate/pkg/apierr"
)

// The admin surface manages provider, key, and mapping records. Every
// mutation invalidates the routing cache so changes take effect immediately
// on this replica; other replicas converge within the mapping cache TTL.
//
// Key secrets enter through here exactly once: sealed on ingest, masked in
// every response.

func (g *Gateway) registerAdminRoutes(r *router.Router) {
	auth := g.requireAdminAuth

	r.GET("/admin/providers", auth(g.adminListProviders))
	r.POST("/admin/providers", auth(g.adminCreateProvider))
	r.PUT("/admin/providers/{id}", auth(g.adminUpdateProvider))
	r.DELETE("/admin/providers/{id}", auth(g.adminDeleteProvider))

	r.GET("/admin/providers/{id}/models", auth(g.adminListProviderModels))
	r.GET("/admin/providers/{id}/keys", auth(g.adminListKeys))
	r.POST("/admin/providers/{id}/keys", auth(g.adminCreateKey))
	r.DELETE("/admin/keys/{id}", auth(g.adminDeleteKey))
	r.POST("/admin/keys/{key_id}/reset", auth(g.adminResetKey))

	r.GET("/admin/mappings", auth(g.adminListMappings))
	r.POST("/admin/mappings", auth(g.adminCreateMapping))
	r.PUT("/admin/mappings/{id}", auth(g.adminUpdateMapping))
	r.DELETE("/admin/mappings/{id}", auth(g.adminDeleteMapping))

	r.POST("/admin/breaker/{provider}/reset", auth(g.adminResetBreaker))
}

// requireAdminAuth accepts the admin key via X-Admin-Key or a bearer token.
func (g *Gateway) requireAdminAuth(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		token := string(ctx.Request.Header.Peek("X-Admin-Key"))
		if token == "" {
			token = parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
		}
		if token == "" || token != g.adminKey {
			apierr.WriteInvalidAuth(ctx)
			return
		}
		next(ctx)
	}
}

func pathID(ctx *fasthttp.RequestCtx, name string) (uint, bool) {
	raw, _ := ctx.UserValue(name).(string)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		apierr.WriteBadRequest(ctx, fmt.Sprintf("invalid %s %q", name, raw))
		return 0, false
	}
	return uint(id), true
}

// ── Providers ────────────────────────────────────────────────────────────────

type providerPayload struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	BaseURL    string `json:"base_url"`
	TimeoutMS  int    `json:"timeout_ms"`
	MaxRetries int    `json:"max_retries"`
	Status     string `json:"status"`
}

func (p *providerPayload) validate() error {
	if p.Name == "" {
		return fmt.Errorf("field 'name' is required")
	}
	switch p.Type {
	case store.TypeOpenAI, store.TypeAnthropic, store.TypeOllama, store.TypeMock, store.TypeCustomHTTP:
	default:
		return fmt.Errorf("unknown provider type %q", p.Type)
	}
	if p.Type == store.TypeCustomHTTP && p.BaseURL == "" {
		return fmt.Errorf("custom-http providers require 'base_url'")
	}
	switch p.Status {
	case "", store.ProviderEnabled, store.ProviderDisabled:
	default:
		return fmt.Errorf("invalid status %q", p.Status)
	}
	return nil
}

func (g *Gateway) adminListProviders(ctx *fasthttp.RequestCtx) {
	provs, err := g.store.ListProviders()
	if err != nil {
		g.adminError(ctx, "list providers", err)
		return
	}
	writeJSON(ctx, provs)
}

func (g *Gateway) adminCreateProvider(ctx *fasthttp.RequestCtx) {
	var p providerPayload
	if err := json.Unmarshal(ctx.PostBody(), &p); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if err := p.validate(); err != nil {
		apierr.WriteBadRequest(ctx, err.Error())
		return
	}

	prov := &store.Provider{
		Name:       p.Name,
		Type:       p.Type,
		BaseURL:    p.BaseURL,
		TimeoutMS:  p.TimeoutMS,
		MaxRetries: p.MaxRetries,
		Status:     p.Status,
	}
	if prov.Status == "" {
		prov.Status = store.ProviderEnabled
	}
	if err := g.store.CreateProvider(prov); err != nil {
		g.adminError(ctx, "create provider", err)
		return
	}
	g.invalidateRouting()
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, prov)
}

func (g *Gateway) adminUpdateProvider(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	prov, err := g.store.GetProvider(id)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		writeJSON(ctx, map[string]string{"error": "provider not found"})
		return
	}

	var p providerPayload
	if err := json.Unmarshal(ctx.PostBody(), &p); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if p.Type == "" {
		p.Type = prov.Type
	}
	if p.Name == "" {
		p.Name = prov.Name
	}
	if err := p.validate(); err != nil {
		apierr.WriteBadRequest(ctx, err.Error())
		return
	}

	prov.Name = p.Name
	prov.Type = p.Type
	prov.BaseURL = p.BaseURL
	prov.TimeoutMS = p.TimeoutMS
	prov.MaxRetries = p.MaxRetries
	if p.Status != "" {
		prov.Status = p.Status
	}
	if err := g.store.UpdateProvider(prov); err != nil {
		g.adminError(ctx, "update provider", err)
		return
	}
	g.invalidateRouting()
	writeJSON(ctx, prov)
}

func (g *Gateway) adminDeleteProvider(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	if err := g.store.DeleteProvider(id); err != nil {
		g.adminError(ctx, "delete provider", err)
		return
	}
	if cache, ok := g.engine.adapters.(*AdapterCache); ok {
		cache.Invalidate(id)
	}
	g.invalidateRouting()
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// adminListProviderModels asks the upstream which models it serves. Available
// only for providers whose adapter can enumerate models.
func (g *Gateway) adminListProviderModels(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	prov, err := g.store.GetProvider(id)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		writeJSON(ctx, map[string]string{"error": "provider not found"})
		return
	}

	adapter, err := g.engine.adapters.Adapter(prov)
	if err != nil {
		g.adminError(ctx, "build adapter", err)
		return
	}
	lister, ok := adapter.(providers.ModelLister)
	if !ok {
		apierr.WriteBadRequest(ctx, fmt.Sprintf("provider type %q cannot list models", prov.Type))
		return
	}

	// Keyless provider types query without a credential.
	secret := ""
	if key, err := g.engine.selector.Pick(ctx, prov.ID); err == nil {
		secret, err = g.vlt.Unseal(key.Ciphertext)
		if err != nil {
			g.adminError(ctx, "unseal key", err)
			return
		}
	}

	models, err := lister.ListModels(ctx, secret)
	if err != nil {
		g.log.WarnContext(ctx, "upstream model listing failed",
			slog.String("provider", prov.Name),
			slog.String("error", vault.Sanitize(err.Error(), secret)),
		)
		apierr.WriteUpstreamUnavailable(ctx, "")
		return
	}
	writeJSON(ctx, map[string]any{"provider": prov.Name, "models": models})
}

// ── Keys ─────────────────────────────────────────────────────────────────────

type keyPayload struct {
	Secret     string `json:"secret"`
	Priority   int    `json:"priority"`
	RPMLimit   int    `json:"rpm_limit"`
	TPMLimit   int    `json:"tpm_limit"`
	DailyQuota int    `json:"daily_quota"`
}

func (g *Gateway) adminListKeys(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	keys, err := g.store.ListKeys(id)
	if err != nil {
		g.adminError(ctx, "list keys", err)
		return
	}
	writeJSON(ctx, keys)
}

func (g *Gateway) adminCreateKey(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	if _, err := g.store.GetProvider(id); err != nil {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		writeJSON(ctx, map[string]string{"error": "provider not found"})
		return
	}

	var p keyPayload
	if err := json.Unmarshal(ctx.PostBody(), &p); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if p.Secret == "" {
		apierr.WriteBadRequest(ctx, "field 'secret' is required")
		return
	}

	ciphertext, err := g.vlt.Seal(p.Secret)
	if err != nil {
		g.adminError(ctx, "seal key", err)
		return
	}

	key := &store.APIKey{
		ProviderID: id,
		KeyID:      uuid.New().String(),
		Ciphertext: ciphertext,
		Masked:     vault.Mask(p.Secret),
		Priority:   p.Priority,
		RPMLimit:   p.RPMLimit,
		TPMLimit:   p.TPMLimit,
		DailyQuota: p.DailyQuota,
		Status:     store.KeyActive,
	}
	if key.Priority == 0 {
		key.Priority = 100
	}
	if err := g.store.CreateKey(key); err != nil {
		g.adminError(ctx, "create key", err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, key)
}

func (g *Gateway) adminDeleteKey(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	if err := g.store.DeleteKey(id); err != nil {
		g.adminError(ctx, "delete key", err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// adminResetKey clears a demoted key back to active.
func (g *Gateway) adminResetKey(ctx *fasthttp.RequestCtx) {
	keyID, _ := ctx.UserValue("key_id").(string)
	if keyID == "" {
		apierr.WriteBadRequest(ctx, "missing key id")
		return
	}
	if err := g.store.SetKeyStatus(keyID, store.KeyActive); err != nil {
		g.adminError(ctx, "reset key", err)
		return
	}
	writeJSON(ctx, map[string]string{"status": store.KeyActive})
}

// ── Mappings ─────────────────────────────────────────────────────────────────

type mappingPayload struct {
	Alias         string          `json:"alias"`
	ProviderID    uint            `json:"provider_id"`
	ProviderModel string          `json:"provider_model"`
	OrderIndex    int             `json:"order_index"`
	IsDefault     bool            `json:"is_default"`
	Override      json.RawMessage `json:"override"`
}

// parseOverride enforces the closed override schema: unknown keys are
// rejected here at ingest, never at dispatch time.
func parseOverride(raw json.RawMessage) (store.Override, error) {
	var o store.Override
	if len(raw) == 0 {
		return o, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&o); err != nil {
		return o, fmt.Errorf("invalid override: %w", err)
	}
	return o, nil
}

func (m *mappingPayload) validate() error {
	if m.Alias == "" {
		return fmt.Errorf("field 'alias' is required")
	}
	if m.ProviderID == 0 {
		return fmt.Errorf("field 'provider_id' is required")
	}
	if m.ProviderModel == "" {
		return fmt.Errorf("field 'provider_model' is required")
	}
	return nil
}

func (g *Gateway) adminListMappings(ctx *fasthttp.RequestCtx) {
	alias := string(ctx.QueryArgs().Peek("alias"))
	if alias == "" {
		apierr.WriteBadRequest(ctx, "query parameter 'alias' is required")
		return
	}
	mappings, err := g.store.MappingsForAlias(alias)
	if err != nil {
		g.adminError(ctx, "list mappings", err)
		return
	}
	writeJSON(ctx, mappings)
}

func (g *Gateway) adminCreateMapping(ctx *fasthttp.RequestCtx) {
	var p mappingPayload
	if err := json.Unmarshal(ctx.PostBody(), &p); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if err := p.validate(); err != nil {
		apierr.WriteBadRequest(ctx, err.Error())
		return
	}
	override, err := parseOverride(p.Override)
	if err != nil {
		apierr.WriteBadRequest(ctx, err.Error())
		return
	}
	if _, err := g.store.GetProvider(p.ProviderID); err != nil {
		apierr.WriteBadRequest(ctx, fmt.Sprintf("provider %d does not exist", p.ProviderID))
		return
	}

	m := &store.ModelMapping{
		Alias:         p.Alias,
		ProviderID:    p.ProviderID,
		ProviderModel: p.ProviderModel,
		OrderIndex:    p.OrderIndex,
		IsDefault:     p.IsDefault,
		Override:      override,
	}
	if err := g.store.CreateMapping(m); err != nil {
		g.adminError(ctx, "create mapping", err)
		return
	}
	g.invalidateRouting()
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, m)
}

func (g *Gateway) adminUpdateMapping(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	var p mappingPayload
	if err := json.Unmarshal(ctx.PostBody(), &p); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if err := p.validate(); err != nil {
		apierr.WriteBadRequest(ctx, err.Error())
		return
	}
	override, err := parseOverride(p.Override)
	if err != nil {
		apierr.WriteBadRequest(ctx, err.Error())
		return
	}

	m := &store.ModelMapping{
		ID:            id,
		Alias:         p.Alias,
		ProviderID:    p.ProviderID,
		ProviderModel: p.ProviderModel,
		OrderIndex:    p.OrderIndex,
		IsDefault:     p.IsDefault,
		Override:      override,
	}
	if err := g.store.UpdateMapping(m); err != nil {
		g.adminError(ctx, "update mapping", err)
		return
	}
	g.invalidateRouting()
	writeJSON(ctx, m)
}

func (g *Gateway) adminDeleteMapping(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	if err := g.store.DeleteMapping(id); err != nil {
		g.adminError(ctx, "delete mapping", err)
		return
	}
	g.invalidateRouting()
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// ── Breaker ──────────────────────────────────────────────────────────────────

// adminResetBreaker forces a provider's breaker closed.
func (g *Gateway) adminResetBreaker(ctx *fasthttp.RequestCtx) {
	provider, _ := ctx.UserValue("provider").(string)
	if provider == "" {
		apierr.WriteBadRequest(ctx, "missing provider name")
		return
	}
	g.engine.brk.Reset(ctx, provider)
	if g.metrics != nil {
		g.metrics.SetCircuitBreaker(provider, 0)
	}
	writeJSON(ctx, map[string]string{"provider": provider, "state": "closed"})
}

func (g *Gateway) invalidateRouting() {
	g.engine.router.Invalidate()
}

func (g *Gateway) adminError(ctx *fasthttp.RequestCtx, op string, err error) {
	g.log.ErrorContext(ctx, "admin operation failed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	apierr.WriteInternal(ctx)
}
