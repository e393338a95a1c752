package main

import (
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"

	"pricing-desktop/internal/config"
)

func main() {
	cfg, err := config.Load(os.Getenv("PRICING_SETTINGS"))
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}

	proxy, err := newBackendProxy(cfg.Backend.BaseURL())
	if err != nil {
		log.Fatalf("Invalid backend address: %v", err)
	}

	app := NewApp(cfg)

	err = wails.Run(&options.App{
		Title:       "Invoice Pricing",
		Width:       1280,
		Height:      860,
		MinWidth:    960,
		MinHeight:   640,
		StartHidden: true,
		AssetServer: &assetserver.Options{
			Handler: proxy,
		},
		OnStartup:  app.startup,
		OnShutdown: app.shutdown,
		Bind: []interface{}{
			app,
		},
	})
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

// newBackendProxy serves the window from the local backend
func newBackendProxy(baseURL string) (http.Handler, error) {
	target, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Printf("WARNING: Proxy %s: %v", r.URL.Path, err)
		http.Error(w, "The pricing backend is not available.", http.StatusBadGateway)
	}
	return proxy, nil
}
