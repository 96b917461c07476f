package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/federated-storage/marketplace/internal/models"
)

var (
	registryOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_registry_operations_total",
		Help: "Registry operations by operation and outcome",
	}, []string{"op", "result"})

	ingestedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_ingested_bytes_total",
		Help: "Bytes hashed and stored by the ingestion pipeline",
	})

	negotiations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_negotiations_total",
		Help: "Provider selections by outcome",
	}, []string{"result"})
)

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return models.Kind(err)
}

func observe(op string, err error) {
	registryOps.WithLabelValues(op, resultLabel(err)).Inc()
}
