package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"anichat-rt/internal/e2ee"
	"anichat-rt/internal/middleware"
	"anichat-rt/internal/model"
	"anichat-rt/internal/store"
)

// EncryptionHandler is the key service of the messaging core. It stores
// public keys and wrapped conversation keys, never plaintext key material.
type EncryptionHandler struct {
	Store  *store.Store
	Logger logrus.FieldLogger
}

func (h *EncryptionHandler) PutPublicKey(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body struct {
		PublicKey string `json:"publicKey"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.PublicKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if _, err := e2ee.ImportPublicKey(body.PublicKey); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid public key"})
		return
	}

	pk, err := h.Store.PutPublicKey(c.Request.Context(), userID, body.PublicKey, time.Now().UnixMilli())
	if errors.Is(err, store.ErrKeyInUse) {
		c.JSON(http.StatusConflict, gin.H{"error": "Public key already used by existing conversations"})
		return
	}
	if err != nil {
		h.Logger.WithError(err).WithField("user", userID).Error("store public key")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store public key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "createdAt": pk.CreatedAt})
}

func (h *EncryptionHandler) GetPublicKey(c *gin.Context) {
	pk, err := h.Store.GetPublicKey(c.Request.Context(), c.Param("userId"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Public key not found"})
		return
	}
	if err != nil {
		h.Logger.WithError(err).Error("load public key")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load public key"})
		return
	}
	c.JSON(http.StatusOK, pk)
}

func (h *EncryptionHandler) Status(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	enabled, err := h.Store.EncryptionEnabled(c.Request.Context(), userID, c.Param("peerId"))
	if err != nil {
		h.Logger.WithError(err).WithField("user", userID).Error("encryption status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load encryption status"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": enabled})
}

// GetConversationKey returns the caller's own wrapped copy of the key shared
// with peerId.
func (h *EncryptionHandler) GetConversationKey(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	k, err := h.Store.GetConversationKey(c.Request.Context(), userID, c.Param("peerId"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation key not found"})
		return
	}
	if err != nil {
		h.Logger.WithError(err).WithField("user", userID).Error("load conversation key")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load conversation key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"wrappedKey": k.WrappedKey, "createdAt": k.CreatedAt})
}

type conversationKeyBody struct {
	PeerID string            `json:"peerId"`
	Keys   map[string]string `json:"keys"`
}

// PutConversationKey stores one wrapped copy per participant. Both copies are
// required and the first stored pair wins; later attempts get 409.
func (h *EncryptionHandler) PutConversationKey(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body conversationKeyBody
	if err := c.ShouldBindJSON(&body); err != nil || body.PeerID == "" || body.PeerID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if len(body.Keys) != 2 || body.Keys[userID] == "" || body.Keys[body.PeerID] == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A wrapped key is required for both participants"})
		return
	}
	if _, err := h.Store.GetPublicKey(c.Request.Context(), body.PeerID); errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusConflict, gin.H{"error": "Recipient has not set up encryption"})
		return
	}

	now := time.Now().UnixMilli()
	stored, err := h.Store.PutConversationKeys(c.Request.Context(), []model.ConversationKey{
		{OwnerID: userID, PeerID: body.PeerID, WrappedKey: body.Keys[userID], CreatedAt: now},
		{OwnerID: body.PeerID, PeerID: userID, WrappedKey: body.Keys[body.PeerID], CreatedAt: now},
	})
	if err != nil {
		h.Logger.WithError(err).WithField("user", userID).Error("store conversation key")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store conversation key"})
		return
	}
	if !stored {
		c.JSON(http.StatusConflict, gin.H{"error": "Conversation key already exists"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
