package main

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/Ofahmy143/ratelimit/internal/log"
	"github.com/Ofahmy143/ratelimit/pkg/httplimit"
	"github.com/Ofahmy143/ratelimit/ratelimit"
	"github.com/Ofahmy143/ratelimit/ratelimit/storage"
)

func HelloHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("Hello, World!"))
}

func main() {
	st, err := storage.NewFromURI(context.Background(), "memory://")
	if err != nil {
		log.Logger().Fatal("Failed to build storage", zap.Error(err))
	}
	defer st.Close()

	limit, err := ratelimit.ParseLimit("10/minute")
	if err != nil {
		log.Logger().Fatal("Failed to parse limit", zap.Error(err))
	}

	strategy, err := ratelimit.NewMovingWindow(st)
	if err != nil {
		log.Logger().Fatal("Failed to build strategy", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/hello", HelloHandler)

	wrappedMux := httplimit.NewHandler(mux, &httplimit.Config{
		Extractor: httplimit.NewHeaderExtractor("X-Forwarded-For"),
		Strategy:  strategy,
		Limit:     limit,
	})

	// use wrappedMux instead of mux as root handler
	log.Logger().Info("Run a server listening to localhost:8080")
	if err := http.ListenAndServe("localhost:8080", wrappedMux); err != nil {
		log.Logger().Fatal("Failed to serve handler", zap.Error(err))
	}
}
