package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/signalhook/tradegate/internal/dispatcher"
	"github.com/signalhook/tradegate/internal/exchange"
	"github.com/signalhook/tradegate/internal/pkg/apperrors"
	"github.com/signalhook/tradegate/internal/vault"
)

type AccountHandler struct {
	vault   *vault.Vault
	gateway exchange.Gateway
	creds   dispatcher.CredentialSource
}

func NewAccountHandler(v *vault.Vault, gateway exchange.Gateway, creds dispatcher.CredentialSource) *AccountHandler {
	return &AccountHandler{vault: v, gateway: gateway, creds: creds}
}

type connectRequest struct {
	Exchange  string `json:"exchange"`
	ApiKey    string `json:"api_key" binding:"required"`
	ApiSecret string `json:"api_secret" binding:"required"`
	Name      string `json:"name"`
}

// Connect verifies the submitted key pair against the venue before storing
// it. The secret is sealed by the vault and never echoed back.
func (h *AccountHandler) Connect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	if req.Exchange == "" {
		req.Exchange = "binance"
	}

	probe := exchange.Credentials{ApiKey: req.ApiKey, ApiSecret: req.ApiSecret}
	if _, err := h.gateway.AccountSnapshot(c.Request.Context(), probe); err != nil {
		var gerr *exchange.GatewayError
		if errors.As(err, &gerr) && gerr.Kind == exchange.KindUnauthorized {
			_ = c.Error(apperrors.NewAuthFailed("exchange rejected the submitted keys"))
			return
		}
		_ = c.Error(apperrors.New(apperrors.ErrUpstream, "could not verify keys against the exchange", err))
		return
	}

	id, err := h.vault.Store(c.Request.Context(), req.Exchange, req.Name, req.ApiKey, req.ApiSecret)
	if err != nil {
		_ = c.Error(apperrors.Wrap(err))
		return
	}

	keyPrefix := req.ApiKey
	if len(keyPrefix) > 8 {
		keyPrefix = keyPrefix[:8]
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"id":         id,
		"key_prefix": keyPrefix + "...",
	})
}

func (h *AccountHandler) List(c *gin.Context) {
	summaries, err := h.vault.List(c.Request.Context())
	if err != nil {
		_ = c.Error(apperrors.Wrap(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"credentials": summaries})
}

func (h *AccountHandler) Revoke(c *gin.Context) {
	id := c.Param("id")
	if err := h.vault.Revoke(c.Request.Context(), id); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			_ = c.Error(apperrors.New(apperrors.ErrNotFound, "credential not found", nil))
			return
		}
		_ = c.Error(apperrors.Wrap(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked", "id": id})
}

func (h *AccountHandler) GetBalance(c *gin.Context) {
	var snapshot *exchange.AccountSnapshot
	err := h.creds(c.Request.Context(), func(creds exchange.Credentials) error {
		var callErr error
		snapshot, callErr = h.gateway.AccountSnapshot(c.Request.Context(), creds)
		return callErr
	})
	if err != nil {
		_ = c.Error(mapGatewayError(err))
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *AccountHandler) GetActiveOrders(c *gin.Context) {
	var orders []exchange.OpenOrder
	err := h.creds(c.Request.Context(), func(creds exchange.Credentials) error {
		var callErr error
		orders, callErr = h.gateway.OpenOrders(c.Request.Context(), creds, c.Query("symbol"))
		return callErr
	})
	if err != nil {
		_ = c.Error(mapGatewayError(err))
		return
	}
	c.JSON(http.StatusOK, orders)
}

func mapGatewayError(err error) error {
	if errors.Is(err, vault.ErrNotFound) {
		return apperrors.NewInvalidRequest("no exchange credential configured")
	}
	var gerr *exchange.GatewayError
	if errors.As(err, &gerr) {
		switch gerr.Kind {
		case exchange.KindUnauthorized:
			return apperrors.NewAuthFailed("exchange rejected the stored credential")
		case exchange.KindRateLimited, exchange.KindUnavailable:
			return apperrors.New(apperrors.ErrUpstream, gerr.Reason, gerr)
		}
	}
	return apperrors.Wrap(err)
}
