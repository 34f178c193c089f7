package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/documentsignflow/internal/gcp"
	"github.com/Lllllllleong/documentsignflow/internal/services"
)

const entryPoint = "Annotate"

var (
	annotatorInstance *services.AnnotatorFunction
	once              sync.Once
	initErr           error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP(entryPoint, handleAnnotate)
}

// main serves the function locally. Deployed functions never reach it.
func main() {
	if _, ok := os.LookupEnv("FUNCTION_TARGET"); !ok {
		os.Setenv("FUNCTION_TARGET", entryPoint)
	}
	port := gcp.GetEnv("PORT", "8080")
	slog.Info("Starting annotator.", "port", port)
	if err := funcframework.Start(port); err != nil {
		slog.Error("Server stopped.", "error", err)
		os.Exit(1)
	}
}

// handleAnnotate is the HTTP entry point for every session route.
func handleAnnotate(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		annotatorInstance, initErr = services.NewAnnotator(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	annotatorInstance.ServeHTTP(w, r)
}
