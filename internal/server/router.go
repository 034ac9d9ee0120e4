package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/estuary/internal/auth"
	"github.com/MarcoPoloResearchLab/estuary/internal/message"
)

const nodeIDContextKey = "estuary_node_id"

var (
	errMissingService       = errors.New("protocol service dependency required")
	errMissingMessageCodec  = errors.New("message codec dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Dependencies wires the HTTP layer. Tokens is optional: when absent the
// synchronization endpoints are open and push integrity rests on envelope
// signatures alone.
type Dependencies struct {
	Service *Service
	Codec   *message.Codec
	Tokens  *auth.TokenIssuer
	Logger  *zap.Logger
}

// NewHTTPHandler builds the gin handler exposing the protocol.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Service == nil {
		return nil, errMissingService
	}
	if deps.Codec == nil {
		return nil, errMissingMessageCodec
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		service: deps.Service,
		codec:   deps.Codec,
		tokens:  deps.Tokens,
		logger:  logger,
	}

	router.GET("/ping", handler.handlePing)
	router.POST("/register", handler.handleRegister)
	if deps.Tokens != nil {
		router.POST("/auth/token", handler.handleToken)
	}

	protected := router.Group("/")
	if deps.Tokens != nil {
		protected.Use(handler.authorizeRequest)
	}
	protected.POST("/push", handler.handlePush)
	protected.POST("/pull", handler.handlePull)
	protected.GET("/repair", handler.handleRepair)
	protected.GET("/query", handler.handleQuery)

	return router, nil
}

type httpHandler struct {
	service *Service
	codec   *message.Codec
	tokens  *auth.TokenIssuer
	logger  *zap.Logger
}

func (h *httpHandler) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type registerRequestPayload struct {
	ExtraData map[string]any `json:"extra_data,omitempty"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	node, err := h.service.RegisterNode(c.Request.Context())
	if err != nil {
		h.logger.Error("node registration failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration_failed"})
		return
	}

	c.JSON(http.StatusOK, message.RegisterResponse{
		NodeID:              node.ID,
		Secret:              node.Secret,
		RegisteredAtSeconds: node.RegisteredAtSeconds,
	})
}

type tokenRequestPayload struct {
	NodeID int64  `json:"node_id"`
	Secret string `json:"secret"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Secret) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	secret, err := h.service.NodeSecret(c.Request.Context(), request.NodeID)
	if err != nil || secret != request.Secret {
		h.logger.Warn("node token exchange refused", zap.Int64("node_id", request.NodeID))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueNodeToken(request.NodeID)
	if err != nil {
		h.logger.Error("failed to issue node token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handlePush(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	msg, err := h.codec.DecodePush(body)
	if err != nil {
		h.logger.Warn("malformed push envelope", zap.Error(err))
		c.JSON(http.StatusBadRequest, message.EnvelopeFromError(err))
		return
	}

	latest, err := h.service.HandlePush(c.Request.Context(), msg)
	if err != nil {
		h.respondProtocolError(c, "push", err)
		return
	}
	c.JSON(http.StatusOK, message.PushResponse{LatestVersion: latest})
}

func (h *httpHandler) handlePull(c *gin.Context) {
	var request message.PullRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	msg, err := h.service.BuildPull(c.Request.Context(), request)
	if err != nil {
		h.respondProtocolError(c, "pull", err)
		return
	}
	data, err := h.codec.EncodePull(msg)
	if err != nil {
		h.logger.Error("failed to encode pull message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pull_failed"})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (h *httpHandler) handleRepair(c *gin.Context) {
	snapshot, err := h.service.Snapshot(c.Request.Context())
	if err != nil {
		h.respondProtocolError(c, "repair", err)
		return
	}
	data, err := h.codec.EncodeSnapshot(snapshot)
	if err != nil {
		h.logger.Error("failed to encode snapshot", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "repair_failed"})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (h *httpHandler) handleQuery(c *gin.Context) {
	typeID := c.Query("type")
	if typeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_type"})
		return
	}
	filters := make(map[string]string)
	for key, values := range c.Request.URL.Query() {
		if key == "type" || len(values) == 0 {
			continue
		}
		filters[key] = values[0]
	}

	payloads, err := h.service.QueryRows(c.Request.Context(), typeID, filters)
	if err != nil {
		h.respondProtocolError(c, "query", err)
		return
	}
	data, err := h.codec.EncodeSnapshot(&message.SnapshotMessage{Payloads: payloads})
	if err != nil {
		h.logger.Error("failed to encode query result", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (h *httpHandler) respondProtocolError(c *gin.Context, operation string, err error) {
	var pushRejected *message.PushRejectedError
	var authErr *message.AuthError
	var integrityErr *message.IntegrityError
	switch {
	case errors.As(err, &pushRejected):
		h.logger.Info("push rejected on divergence",
			zap.Int64("latest_version", pushRejected.LatestVersion),
			zap.Int64("last_known_version", pushRejected.LastKnownVersion))
		c.JSON(http.StatusBadRequest, message.EnvelopeFromError(pushRejected))
	case errors.As(err, &authErr):
		h.logger.Warn("request failed authentication", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusUnauthorized, message.EnvelopeFromError(authErr))
	case errors.As(err, &integrityErr):
		h.logger.Warn("push violated store integrity",
			zap.String("type", integrityErr.Type),
			zap.Int64("pk", integrityErr.PK))
		c.JSON(http.StatusBadRequest, message.EnvelopeFromError(integrityErr))
	default:
		h.logger.Error("protocol operation failed", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": operation + "_failed"})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	nodeID, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(nodeIDContextKey, nodeID)
	c.Next()
}
