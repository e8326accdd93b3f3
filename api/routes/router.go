package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/peermarket-backend/api/controllers"
	ordercontrollers "github.com/angelmondragon/peermarket-backend/api/controllers/orders"
	webhookcontrollers "github.com/angelmondragon/peermarket-backend/api/controllers/webhooks"
	"github.com/angelmondragon/peermarket-backend/api/middleware"
	"github.com/angelmondragon/peermarket-backend/internal/orders"
	"github.com/angelmondragon/peermarket-backend/pkg/config"
	"github.com/angelmondragon/peermarket-backend/pkg/db"
	"github.com/angelmondragon/peermarket-backend/pkg/enums"
	"github.com/angelmondragon/peermarket-backend/pkg/logger"
	"github.com/angelmondragon/peermarket-backend/pkg/redis"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient *redis.Client,
	gatherer prometheus.Gatherer,
	ordersSvc orders.Service,
	payouts ordercontrollers.PayoutLister,
	stripeClient webhookcontrollers.EventVerifier,
	stripeWebhookService webhookcontrollers.StripeWebhookService,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSAllowedOrigins),
	)

	deps := map[string]controllers.Pinger{}
	if dbP != nil {
		deps["database"] = dbP
	}
	var idempotencyStore redis.IdempotencyStore
	if redisClient != nil {
		deps["redis"] = redisClient
		idempotencyStore = redisClient
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps))
	})
	r.Method(http.MethodGet, "/metrics", controllers.Metrics(gatherer))

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(stripeWebhookService, stripeClient, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.Idempotency(idempotencyStore, logg))

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", ordercontrollers.Create(ordersSvc, logg))
			r.Get("/", ordercontrollers.List(ordersSvc, logg))

			r.Route("/{orderId}", func(r chi.Router) {
				r.Get("/", ordercontrollers.Detail(ordersSvc, logg))
				r.Get("/payouts", ordercontrollers.Payouts(ordersSvc, payouts, logg))
				r.Post("/cancel", ordercontrollers.Cancel(ordersSvc, logg))
				r.Post("/payment", ordercontrollers.CreatePayment(ordersSvc, logg))
				r.Post("/mark-paid", ordercontrollers.MarkPaid(ordersSvc, logg))
				r.Post("/archive", ordercontrollers.Archive(ordersSvc, logg))

				r.Group(func(r chi.Router) {
					r.Use(middleware.RequireRole(logg, enums.ActorRoleSeller.String()))
					r.Post("/approve", ordercontrollers.Approve(ordersSvc, logg))
					r.Post("/reject", ordercontrollers.Reject(ordersSvc, logg))
				})
				r.Group(func(r chi.Router) {
					r.Use(middleware.RequireRole(logg, enums.ActorRoleSeller.String(), enums.ActorRoleAdmin.String()))
					r.Post("/fulfillment", ordercontrollers.ConfirmFulfillment(ordersSvc, logg))
					r.Post("/refund", ordercontrollers.Refund(ordersSvc, logg))
				})
			})
		})
	})

	return r
}
