package docstore

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"ai-chatsync/internal/chat"
	"ai-chatsync/internal/remote"
)

const ownerKey = "owner"

// NewRouter builds the REST API served to remote.HTTPStore.
func NewRouter(repo *Repository, verifier Verifier) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	chats := router.Group("/v1/owners/:owner/chats", authenticate(verifier))
	chats.GET("", handleList(repo))
	chats.GET("/:id", handleGet(repo))
	chats.PUT("/:id", handlePut(repo))
	chats.DELETE("/:id", handleDelete(repo))
	return router
}

// Serve runs the router on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	log.Info().Str("addr", addr).Msg("🚀 docstore listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "docstore")
	}
	return nil
}

// authenticate resolves the bearer credential and requires it to belong to
// the owner in the path.
func authenticate(verifier Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			abort(c, ErrInvalid)
			return
		}
		owner, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			abort(c, err)
			return
		}
		if owner != c.Param("owner") {
			c.AbortWithStatusJSON(http.StatusForbidden, remote.ErrorBody{Error: remote.CodeUnauthorized, Message: "owner mismatch"})
			return
		}
		c.Set(ownerKey, owner)
		c.Next()
	}
}

func handleList(repo *Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := repo.List(c.Request.Context(), c.GetString(ownerKey))
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, records)
	}
}

func handleGet(repo *Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := repo.Get(c.Request.Context(), c.GetString(ownerKey), c.Param("id"))
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

func handlePut(repo *Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var rec chat.Record
		if err := c.ShouldBindJSON(&rec); err != nil {
			abort(c, chat.Invalid("bad record: %v", err))
			return
		}
		owner := c.GetString(ownerKey)
		if rec.ID != c.Param("id") {
			abort(c, chat.Invalid("record id %q does not match path", rec.ID))
			return
		}
		if rec.OwnerID != "" && rec.OwnerID != owner {
			c.AbortWithStatusJSON(http.StatusForbidden, remote.ErrorBody{Error: remote.CodeUnauthorized, Message: "owner mismatch"})
			return
		}
		rec.OwnerID = owner
		stored, err := repo.Upsert(c.Request.Context(), rec)
		if err != nil {
			abort(c, err)
			return
		}
		if !stored {
			log.Debug().Str("owner", owner).Str("chat_id", rec.ID).Msg("stale write ignored")
		}
		c.JSON(http.StatusOK, remote.PutResult{Stored: stored})
	}
}

func handleDelete(repo *Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := repo.Delete(c.Request.Context(), c.GetString(ownerKey), c.Param("id")); err != nil {
			abort(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func abort(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= 500 {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("docstore request failed")
	}
	c.AbortWithStatusJSON(status, remote.ErrorBody{Error: code, Message: err.Error()})
}

// classify maps repository and verifier errors to HTTP status and wire code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrExpired):
		return http.StatusUnauthorized, remote.CodeCredentialExpired
	case errors.Is(err, ErrInvalid):
		return http.StatusUnauthorized, remote.CodeUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, remote.CodeNotFound
	case errors.Is(err, chat.ErrValidation):
		return http.StatusBadRequest, remote.CodeInvalid
	default:
		return http.StatusInternalServerError, remote.CodeInternal
	}
}
