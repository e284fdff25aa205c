package main

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/finmove/ledger/internal/api"
	"github.com/finmove/ledger/internal/config"
	"github.com/finmove/ledger/internal/fraud"
	"github.com/finmove/ledger/internal/service"
	"github.com/finmove/ledger/internal/store"
	"github.com/finmove/ledger/internal/webhook"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal(err)
	}

	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if cfg.Env != "development" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	var st store.Store
	switch cfg.StoreDriver {
	case "memory":
		st = store.NewMemory()
		log.Warn("using in-memory store, state is not durable")
	default:
		pg, err := store.NewPostgres(cfg.DBSource)
		if err != nil {
			log.Fatalf("unable to connect to database: %v", err)
		}
		defer pg.Close()
		st = pg
	}

	// Initialize Layers
	notifier := webhook.NewNotifier(webhook.AccountResolver{
		Lookup: func(ctx context.Context, id int64) (string, error) {
			a, err := st.GetAccount(ctx, id)
			if err != nil {
				return "", err
			}
			return a.WebhookURL, nil
		},
	}, log, webhook.Options{
		QueueSize: cfg.WebhookQueueSize,
		Workers:   cfg.WebhookWorkers,
		Timeout:   cfg.WebhookTimeout,
	})
	defer notifier.Close()

	scorer := fraud.NewScorer(st)
	alerts := fraud.NewAlertManager(st, func(ctx context.Context, subjectID int64) {
		// Freeze-instrument collaborator is external; emitting the signal is
		// the full contract here.
		log.WithField("subject", subjectID).Warn("freeze instrument signal emitted")
	}, log)

	transfers := service.NewTransferEngine(st, scorer, alerts, notifier, cfg.PlatformAccountID, log)
	refunds := service.NewRefundEngine(st, transfers, notifier, log)

	handler := api.NewHandler(st, transfers, refunds, scorer, alerts, log)

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheckHandler)
	handler.Routes(r)

	log.Infof("server starting on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal(err)
	}
}
