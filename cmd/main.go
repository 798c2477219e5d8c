package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/dig"

	"github.com/davidbz/hearth/internal/backend"
	"github.com/davidbz/hearth/internal/balancer"
	"github.com/davidbz/hearth/internal/config"
	"github.com/davidbz/hearth/internal/domain"
	"github.com/davidbz/hearth/internal/gateway"
	httpapi "github.com/davidbz/hearth/internal/http"
	"github.com/davidbz/hearth/internal/http/middleware"
	"github.com/davidbz/hearth/internal/metrics"
	"github.com/davidbz/hearth/internal/observability"
	"github.com/davidbz/hearth/internal/protocol"
	"github.com/davidbz/hearth/internal/registry"
	"github.com/davidbz/hearth/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	container := buildContainer()

	err := container.Invoke(func(
		controller *registry.Controller,
		service *gateway.Service,
		server *httpapi.Server,
	) {
		ctx := context.Background()

		if err := controller.Start(ctx); err != nil {
			log.Fatalf("Registry failed to start: %v", err)
		}
		if err := service.Start(ctx); err != nil {
			log.Fatalf("Gateway failed to start: %v", err)
		}

		go func() {
			if err := server.Start(); err != nil {
				log.Fatalf("Server failed to start: %v", err)
			}
		}()

		// Block until a shutdown signal, then drain in reverse start order.
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()

		observability.FromContext(shutdownCtx).Info("shutdown signal received")

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown failed: %v", err)
		}
		if err := service.Stop(shutdownCtx); err != nil {
			log.Printf("Gateway shutdown failed: %v", err)
		}
		if err := controller.Stop(shutdownCtx); err != nil {
			log.Printf("Registry shutdown failed: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}
}

func buildContainer() *dig.Container {
	container := dig.New()

	// Configuration
	if err := container.Provide(config.Load); err != nil {
		log.Fatalf("Failed to provide config: %v", err)
	}
	if err := container.Provide(config.ParseDependenciesConfig); err != nil {
		log.Fatalf("Failed to provide config dependencies: %v", err)
	}

	// Observability
	if err := container.Provide(observability.InitLogger); err != nil {
		log.Fatalf("Failed to provide logger: %v", err)
	}
	if err := container.Provide(observability.NewBus); err != nil {
		log.Fatalf("Failed to provide event bus: %v", err)
	}
	if err := container.Provide(func(bus *observability.Bus) domain.EventPublisher {
		return bus
	}); err != nil {
		log.Fatalf("Failed to provide event publisher: %v", err)
	}
	if err := container.Provide(metrics.NewCollector); err != nil {
		log.Fatalf("Failed to provide metrics collector: %v", err)
	}

	// Endpoint store: Redis when configured, in-memory otherwise.
	if err := container.Provide(func(cfg *config.RedisConfig) (domain.Store, error) {
		if !cfg.Enabled {
			return store.NewMemory(), nil
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		return store.NewRedis(context.Background(), client)
	}); err != nil {
		log.Fatalf("Failed to provide endpoint store: %v", err)
	}

	// Registry
	if err := container.Provide(backend.NewFactory); err != nil {
		log.Fatalf("Failed to provide backend factory: %v", err)
	}
	if err := container.Provide(func(
		st domain.Store,
		factory *backend.Factory,
		events domain.EventPublisher,
		collector *metrics.Collector,
		weights *registry.ScoreWeights,
		regCfg *config.RegistryConfig,
	) *registry.Controller {
		return registry.NewController(st, factory, events, collector, *weights, regCfg.Options())
	}); err != nil {
		log.Fatalf("Failed to provide registry controller: %v", err)
	}

	// Routing
	if err := container.Provide(func(controller *registry.Controller) *balancer.Balancer {
		return balancer.New(controller)
	}); err != nil {
		log.Fatalf("Failed to provide balancer: %v", err)
	}
	if err := container.Provide(func(
		controller *registry.Controller,
		bal *balancer.Balancer,
		collector *metrics.Collector,
		bus *observability.Bus,
		routingCfg *config.RoutingConfig,
	) *gateway.Service {
		return gateway.NewService(controller, bal, collector, bus, gateway.Options{
			MaxRetries:      routingCfg.MaxRetries,
			RetryBaseDelay:  time.Duration(routingCfg.RetryBaseDelayMs) * time.Millisecond,
			DispatchTimeout: time.Duration(routingCfg.DispatchTimeoutSecs) * time.Second,
			FallbackEnabled: routingCfg.FallbackEnabled,
			DefaultStrategy: balancer.Strategy(routingCfg.LoadBalanceStrategy),
		})
	}); err != nil {
		log.Fatalf("Failed to provide gateway service: %v", err)
	}

	// HTTP Layer
	if err := container.Provide(protocol.NewSet); err != nil {
		log.Fatalf("Failed to provide transformers: %v", err)
	}
	if err := container.Provide(httpapi.NewHandler); err != nil {
		log.Fatalf("Failed to provide HTTP handler: %v", err)
	}
	if err := container.Provide(httpapi.NewManagement); err != nil {
		log.Fatalf("Failed to provide management handler: %v", err)
	}
	if err := container.Provide(middleware.BuildMiddlewareChain); err != nil {
		log.Fatalf("Failed to provide middleware chain: %v", err)
	}
	if err := container.Provide(httpapi.NewServer); err != nil {
		log.Fatalf("Failed to provide HTTP server: %v", err)
	}

	return container
}
