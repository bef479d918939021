package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mulehunter/backend/shared/cqrs"
	"github.com/mulehunter/backend/shared/logging"
	"github.com/mulehunter/backend/shared/middleware"
	"github.com/mulehunter/backend/shared/models"
	"github.com/mulehunter/backend/shared/utils"
	"github.com/shopspring/decimal"
)

// TransactionCommander defines the write-side operations used by TransactionHandler.
type TransactionCommander interface {
	CreateTransaction(context.Context, cqrs.CreateTransactionCommand) (*models.Transaction, error)
}

// TransactionQuerier defines the read-side operations used by TransactionHandler.
type TransactionQuerier interface {
	GetTransaction(context.Context, cqrs.GetTransactionQuery) (*models.TransactionView, error)
	ListTransactions(context.Context, cqrs.ListTransactionsQuery) ([]models.TransactionView, error)
}

type TransactionHandler struct {
	commands TransactionCommander
	queries  TransactionQuerier
}

// CreateTransactionRequest accepts amount as a JSON number or string. A
// missing amount is zero.
type CreateTransactionRequest struct {
	SourceAccount string          `json:"sourceAccount" validate:"required,max=19"`
	TargetAccount string          `json:"targetAccount" validate:"required,max=19"`
	Amount        decimal.Decimal `json:"amount"`
}

type ListTransactionsResponse struct {
	Transactions []models.TransactionView `json:"transactions"`
}

func NewTransactionHandler(commands TransactionCommander, queries TransactionQuerier) *TransactionHandler {
	return &TransactionHandler{commands: commands, queries: queries}
}

// RegisterRoutes mounts the transaction endpoints on rg.
func (h *TransactionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	transactions := rg.Group("/transactions")
	transactions.POST("", h.CreateTransaction)
	transactions.GET("", h.ListTransactions)
	transactions.GET("/:transactionId", h.GetTransaction)
}

func (h *TransactionHandler) CreateTransaction(c *gin.Context) {
	var req CreateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondWithError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if validationErrors := middleware.ValidateRequest(req); validationErrors != nil {
		middleware.RespondWithValidationError(c, validationErrors)
		return
	}

	transaction, err := h.commands.CreateTransaction(c.Request.Context(), cqrs.CreateTransactionCommand{
		SourceAccount: req.SourceAccount,
		TargetAccount: req.TargetAccount,
		Amount:        req.Amount,
	})
	if err != nil {
		respondWithDomainError(c, err, "Failed to create transaction")
		return
	}

	c.JSON(http.StatusCreated, transaction)
}

func (h *TransactionHandler) ListTransactions(c *gin.Context) {
	q := cqrs.ListTransactionsQuery{}
	if raw, ok := c.GetQuery("account"); ok {
		accountID, err := utils.ParseAccountID(raw)
		if err != nil {
			respondWithDomainError(c, &models.ValidationError{Field: "account", Reason: err.Error()}, "")
			return
		}
		q.AccountID = &accountID
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			respondWithDomainError(c, &models.ValidationError{Field: "limit", Reason: "limit must be an integer"}, "")
			return
		}
		q.Limit = limit
	}

	views, err := h.queries.ListTransactions(c.Request.Context(), q)
	if err != nil {
		respondWithDomainError(c, err, "Failed to list transactions")
		return
	}
	c.JSON(http.StatusOK, ListTransactionsResponse{Transactions: views})
}

func (h *TransactionHandler) GetTransaction(c *gin.Context) {
	view, err := h.queries.GetTransaction(c.Request.Context(), cqrs.GetTransactionQuery{
		TransactionID: c.Param("transactionId"),
	})
	if err != nil {
		respondWithDomainError(c, err, "Failed to get transaction")
		return
	}
	c.JSON(http.StatusOK, view)
}

// respondWithDomainError maps the shared error taxonomy onto HTTP status codes.
func respondWithDomainError(c *gin.Context, err error, fallback string) {
	var validationErr *models.ValidationError
	switch {
	case errors.As(err, &validationErr):
		middleware.RespondWithFieldError(c, validationErr)
	case errors.Is(err, models.ErrNotFound):
		middleware.RespondWithError(c, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, models.ErrStorageUnavailable):
		logging.FromContext(c.Request.Context()).Error("storage unavailable", "error", err)
		middleware.RespondWithError(c, http.StatusServiceUnavailable, "Storage temporarily unavailable")
	default:
		logging.FromContext(c.Request.Context()).Error("request failed", "error", err)
		middleware.RespondWithError(c, http.StatusInternalServerError, fallback)
	}
}
