package openai

import (
	"errors"
	"net/http"
	"time"

	"geminigate-go/internal/apikey"
	"geminigate-go/internal/config"
	"geminigate-go/internal/credential"
	"geminigate-go/internal/handlers/common"
	"geminigate-go/internal/identity"
	"geminigate-go/internal/tokencount"
	"geminigate-go/internal/upstream"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const defaultModel = "gemini-2.5-pro"

// Handler serves the OpenAI-compatible Chat Completions surface.
type Handler struct {
	cfg   *config.Config
	pool  *credential.Pool
	keys  *apikey.Store
	ident *identity.Cache
	up    *upstream.Client
	est   *tokencount.Estimator
}

func NewHandler(cfg *config.Config, pool *credential.Pool, keys *apikey.Store, ident *identity.Cache, up *upstream.Client, est *tokencount.Estimator) *Handler {
	return &Handler{cfg: cfg, pool: pool, keys: keys, ident: ident, up: up, est: est}
}

// Models serves GET /v1/models from the upstream model catalog.
func (h *Handler) Models(c *gin.Context) {
	if _, ok := common.Authorize(c, &h.cfg.Security, h.keys, common.DialectOpenAI); !ok {
		return
	}
	cred, err := h.pool.GetToken(c.Request.Context())
	if err != nil {
		h.abortUpstreamError(c, err)
		return
	}
	ids, err := h.up.Models(c.Request.Context(), cred.AccessToken)
	if err != nil {
		h.abortUpstreamError(c, err)
		return
	}
	created := time.Now().Unix()
	data := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		data = append(data, gin.H{
			"id":       id,
			"object":   "model",
			"created":  created,
			"owned_by": "google",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// CountTokens serves POST /v1/chat/completions/count_tokens with a local
// estimate of the prompt size.
func (h *Handler) CountTokens(c *gin.Context) {
	raw, ok := common.ReadBody(c, common.DialectOpenAI)
	if !ok {
		return
	}
	if _, ok := common.Authorize(c, &h.cfg.Security, h.keys, common.DialectOpenAI); !ok {
		return
	}
	model := modelOf(raw)
	count, fallback := h.est.CountRequest(model, raw)
	c.JSON(http.StatusOK, gin.H{
		"object":            "tokens",
		"model":             model,
		"fallback":          fallback,
		"prompt_tokens":     count,
		"completion_tokens": 0,
		"total_tokens":      count,
	})
}

func modelOf(raw []byte) string {
	if m := gjson.GetBytes(raw, "model").String(); m != "" {
		return m
	}
	return defaultModel
}

// abortUpstreamError maps pool and upstream failures onto client responses.
func (h *Handler) abortUpstreamError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, credential.ErrNoCredentials):
		common.AbortWithError(c, common.DialectOpenAI, http.StatusInternalServerError, "server_error", "no upstream credentials available")
	case upstream.IsForbidden(err):
		common.AbortWithError(c, common.DialectOpenAI, http.StatusForbidden, "permission_error", "upstream account disabled")
	default:
		var se *upstream.StatusError
		if errors.As(err, &se) {
			common.AbortWithError(c, common.DialectOpenAI, se.Code, "upstream_error", se.Body)
			return
		}
		logrus.WithError(err).Error("upstream request failed")
		common.AbortWithError(c, common.DialectOpenAI, http.StatusBadGateway, "upstream_error", err.Error())
	}
}
