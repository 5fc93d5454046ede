package handler

import (
	"account_service/internal/models"
	"account_service/internal/service"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	accountKey = "Account"

	// tokenTypeHeader selects the access token kind; requests without it are treated as app.
	tokenTypeHeader = "X-Token-Type"
)

func AuthMiddleware(srvc service.Service, lgr *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			newErrorResponse(c, http.StatusUnauthorized, "empty authorization header")

			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			newErrorResponse(c, http.StatusUnauthorized, "invalid authorization header")

			return
		}

		kind := models.TokenKindApp
		if v := c.GetHeader(tokenTypeHeader); v != "" {
			parsed, ok := models.ParseTokenKind(v)
			if !ok {
				newErrorResponse(c, http.StatusBadRequest, "unknown token type")

				return
			}
			kind = parsed
		}

		account, err := srvc.Authenticate(c.Request.Context(), kind, parts[1])
		if err != nil {
			if errors.Is(err, models.ErrInvalidToken) {
				newErrorResponse(c, http.StatusUnauthorized, "invalid token")

				return
			}

			lgr.Error("failed to authenticate", slog.String("op", "handler.AuthMiddleware"), slog.Any("error", err))

			newErrorResponse(c, http.StatusInternalServerError, "internal error")

			return
		}

		c.Set(accountKey, account)

		c.Next()
	}
}

type Handler struct {
	serviceLayer service.Service
	log          *slog.Logger
}

type errorResponse struct {
	Message string `json:"message"`
}

type accountResponse struct {
	Email   string  `json:"email"`
	UserID  string  `json:"userId"`
	Name    string  `json:"name,omitempty"`
	PinSet  bool    `json:"login_pin_exist"`
	Balance float64 `json:"balance"`
}

type authResponse struct {
	User   accountResponse  `json:"user"`
	Tokens models.TokenPair `json:"tokens"`
}

func newErrorResponse(c *gin.Context, statusCode int, errMessage string) {
	c.AbortWithStatusJSON(statusCode, errorResponse{Message: errMessage})
}

func newAccountResponse(a *models.Account) accountResponse {
	return accountResponse{
		Email:   a.Email,
		UserID:  a.ID.String(),
		Name:    a.Name,
		PinSet:  a.PinSet(),
		Balance: a.Balance,
	}
}

func NewHandler(srvc service.Service, lgr *slog.Logger) *Handler {
	return &Handler{
		serviceLayer: srvc,
		log:          lgr,
	}
}

func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	auth := router.Group("/auth")
	{
		auth.POST("/register", h.Register)
		auth.POST("/login", h.Login)
		auth.POST("/refresh", h.RefreshTokens)

		auth.Use(AuthMiddleware(h.serviceLayer, h.log))
		auth.GET("/profile", h.GetProfile)
		auth.POST("/pin/verify", h.VerifyPin)
		auth.PUT("/password", h.UpdatePassword)
		auth.PUT("/pin", h.UpdatePin)
	}

	return router
}

// writeError maps domain errors onto statuses. Only lockout errors carry their
// computed figures to the client.
func (h *Handler) writeError(c *gin.Context, log *slog.Logger, err error) {
	var (
		blocked *models.BlockedError
		invalid *models.InvalidCredentialsError
	)

	switch {
	case errors.As(err, &blocked):
		newErrorResponse(c, http.StatusUnauthorized, blocked.Error())
	case errors.As(err, &invalid):
		newErrorResponse(c, http.StatusUnauthorized, invalid.Error())
	case errors.Is(err, models.ErrInvalidCredentials):
		newErrorResponse(c, http.StatusUnauthorized, "Invalid Credentials")
	case errors.Is(err, models.ErrInvalidToken):
		newErrorResponse(c, http.StatusUnauthorized, "Invalid token")
	case errors.Is(err, models.ErrMalformedRequest):
		newErrorResponse(c, http.StatusBadRequest, malformedMessage(err))
	case errors.Is(err, models.ErrSameSecret):
		newErrorResponse(c, http.StatusBadRequest, "New secret cannot be the same as the old one")
	case errors.Is(err, models.ErrAlreadyExists):
		newErrorResponse(c, http.StatusConflict, "User already exists")
	case errors.Is(err, models.ErrNotFound):
		newErrorResponse(c, http.StatusNotFound, "User not found")
	default:
		log.Error("request failed", slog.Any("error", err))

		newErrorResponse(c, http.StatusInternalServerError, "internal error")
	}
}

// malformedMessage keeps the detail after the sentinel, e.g. "invalid body: PIN must be 4 digits".
func malformedMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, models.ErrMalformedRequest.Error()); i >= 0 {
		return msg[i:]
	}
	return models.ErrMalformedRequest.Error()
}

// POST /auth/register
func (h *Handler) Register(c *gin.Context) {
	const op = "handler.Register"

	log := h.log.With(slog.String("op", op))

	var req struct {
		Email         string `json:"email"`
		Password      string `json:"password"`
		RegisterToken string `json:"register_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Error("failed to read request body", slog.Any("error", err))

		newErrorResponse(c, http.StatusBadRequest, "invalid body")

		return
	}

	account, tokens, err := h.serviceLayer.Register(c.Request.Context(), req.Email, req.Password, req.RegisterToken)
	if err != nil {
		h.writeError(c, log, err)

		return
	}

	c.JSON(http.StatusCreated, authResponse{User: newAccountResponse(account), Tokens: tokens})
}

// POST /auth/login
func (h *Handler) Login(c *gin.Context) {
	const op = "handler.Login"

	log := h.log.With(slog.String("op", op))

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Type     string `json:"type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Error("failed to read request body", slog.Any("err", err))

		newErrorResponse(c, http.StatusBadRequest, "invalid body")

		return
	}

	kind := models.TokenKindApp
	if req.Type != "" {
		kind = models.TokenKind(req.Type)
	}

	account, tokens, err := h.serviceLayer.Login(c.Request.Context(), req.Email, req.Password, kind)
	if err != nil {
		h.writeError(c, log, err)

		return
	}

	c.JSON(http.StatusOK, authResponse{User: newAccountResponse(account), Tokens: tokens})
}

// POST /auth/refresh
func (h *Handler) RefreshTokens(c *gin.Context) {
	const op = "handler.RefreshTokens"

	log := h.log.With(slog.String("op", op))

	var req struct {
		Type         string `json:"type"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Error("failed to read request body", slog.Any("error", err))

		newErrorResponse(c, http.StatusBadRequest, "invalid body")

		return
	}

	tokens, err := h.serviceLayer.RefreshTokens(c.Request.Context(), req.Type, req.RefreshToken)
	if err != nil {
		h.writeError(c, log, err)

		return
	}

	c.JSON(http.StatusOK, tokens)
}

// GET /auth/profile
func (h *Handler) GetProfile(c *gin.Context) {
	account, ok := h.account(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, newAccountResponse(account))
}

// POST /auth/pin/verify
func (h *Handler) VerifyPin(c *gin.Context) {
	const op = "handler.VerifyPin"

	log := h.log.With(slog.String("op", op))

	account, ok := h.account(c)
	if !ok {
		return
	}

	var req struct {
		Pin string `json:"pin"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Pin == "" {
		newErrorResponse(c, http.StatusBadRequest, "invalid body")

		return
	}

	if err := h.serviceLayer.VerifyPin(c.Request.Context(), account, req.Pin); err != nil {
		h.writeError(c, log, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// PUT /auth/password
func (h *Handler) UpdatePassword(c *gin.Context) {
	h.updateSecret(c, "handler.UpdatePassword", models.CredentialPassword)
}

// PUT /auth/pin
func (h *Handler) UpdatePin(c *gin.Context) {
	h.updateSecret(c, "handler.UpdatePin", models.CredentialPin)
}

func (h *Handler) updateSecret(c *gin.Context, op string, ct models.CredentialType) {
	log := h.log.With(slog.String("op", op))

	account, ok := h.account(c)
	if !ok {
		return
	}

	var req struct {
		Secret string `json:"secret"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		newErrorResponse(c, http.StatusBadRequest, "invalid body")

		return
	}

	res, err := h.serviceLayer.UpdateSecret(c.Request.Context(), account.Email, ct, req.Secret)
	if err != nil {
		h.writeError(c, log, err)

		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *Handler) account(c *gin.Context) (*models.Account, bool) {
	v, ok := c.Get(accountKey)
	if !ok {
		newErrorResponse(c, http.StatusUnauthorized, "invalid token")

		return nil, false
	}

	account, ok := v.(*models.Account)
	if !ok {
		newErrorResponse(c, http.StatusUnauthorized, "invalid token")

		return nil, false
	}

	return account, true
}
