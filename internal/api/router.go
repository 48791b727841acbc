package api

import (
	"net/http"
	"time"

	"github.com/contractai/chat-gateway/internal/config"
	"github.com/contractai/chat-gateway/internal/handlers"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// requestTimeout applies to every route that does not stream.
const requestTimeout = 60 * time.Second

// RouterDependencies holds all the dependencies required by the router setup,
// primarily handlers and configuration.
type RouterDependencies struct {
	AuthHandler         *handlers.AuthHandler
	ChatHandler         *handlers.ChatHandlers
	ConversationHandler *handlers.ConversationHandlers
	ModelHandler        *handlers.ModelHandlers
	Config              *config.Config
	Logger              *zap.SugaredLogger
}

// NewRouter creates and configures the main Chi router for the application.
func NewRouter(deps RouterDependencies) *chi.Mux {
	r := chi.NewRouter()

	// --- Base Middleware Stack ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(deps.Logger))
	r.Use(middleware.Recoverer)

	// --- CORS Configuration ---
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Conversation-Id", "X-Message-Id"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(OptionalJwtMiddleware(deps.Config.JWTSecret, deps.Logger))

		// Streaming routes end when the client goes away, never on a timer.
		r.Post("/chat", deps.ChatHandler.HandleChat)
		r.Post("/conversations/{conversationID}/messages", deps.ConversationHandler.HandleSubmitMessage)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Post("/auth/wallet", deps.AuthHandler.HandleWalletSignIn)

			r.Get("/models", deps.ModelHandler.HandleListModels)
			r.Get("/models/{modelID}/entitlement", deps.ModelHandler.HandleGetEntitlement)
			r.Post("/models/{modelID}/entitlement/refresh", deps.ModelHandler.HandleRefreshEntitlement)

			r.Post("/conversations", deps.ConversationHandler.HandleCreateConversation)
			r.Get("/conversations", deps.ConversationHandler.HandleListConversations)
			r.Get("/conversations/active", deps.ConversationHandler.HandleGetActiveConversation)
			r.Put("/conversations/active", deps.ConversationHandler.HandleSetActiveConversation)
			r.Get("/conversations/{conversationID}", deps.ConversationHandler.HandleGetConversation)
			r.Delete("/conversations/{conversationID}", deps.ConversationHandler.HandleDeleteConversation)
			r.Get("/conversations/{conversationID}/export", deps.ConversationHandler.HandleExportConversation)
		})
	})

	return r
}
