package main

import (
	"context"
	"fmt"
	"net/http"

	"leasebox/internal/api"
	"leasebox/internal/config"
	"leasebox/internal/files"
	"leasebox/internal/identity"
	"leasebox/internal/ledger"
	"leasebox/internal/logging"
	"leasebox/internal/payments"
)

func openLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, error) {
	switch cfg.Ledger.Driver {
	case "sqlite3", "sqlite":
		l, err := ledger.NewSQLiteLedger(cfg.Ledger.Driver, cfg.Ledger.Path, cfg.LeaseDuration)
		if err != nil {
			return nil, err
		}
		logging.Internal.Infof("using %s ledger (%s)", cfg.Ledger.Driver, cfg.Ledger.Path)
		return l, nil
	case "postgres":
		l, err := ledger.NewPostgresLedger(ctx, cfg.Ledger.PostgresDSN, cfg.LeaseDuration)
		if err != nil {
			return nil, err
		}
		logging.Internal.Info("using postgres ledger")
		return l, nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Ledger.Driver)
	}
}

func openStorage(cfg *config.Config) (files.Storage, error) {
	switch cfg.Storage.Backend {
	case "fs":
		s, err := files.NewFSStorage(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		logging.Internal.Infof("using local filesystem storage (%s)", cfg.Storage.Path)
		return s, nil
	case "s3":
		s3 := cfg.Storage.S3
		s, err := files.NewS3Storage(files.S3Config{
			Endpoint:  s3.Endpoint,
			Region:    s3.Region,
			Bucket:    s3.Bucket,
			Prefix:    s3.Prefix,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey,
			UseSSL:    s3.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		logging.Internal.Infof("using s3 storage (bucket: %s)", s3.Bucket)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func openFacilitator(cfg *config.Config) (payments.Facilitator, error) {
	switch cfg.Payment.Facilitator {
	case "local":
		logging.Internal.Warn("using in-process facilitator: payments are verified but never broadcast (development only)")
		return payments.NewLocalFacilitator(), nil
	case "remote":
		f, err := payments.NewRemoteFacilitator(payments.RemoteConfig{
			URL:    cfg.Payment.FacilitatorURL,
			APIKey: cfg.Payment.FacilitatorAPIKey,
		})
		if err != nil {
			return nil, err
		}
		logging.Internal.Infof("using remote facilitator (%s)", cfg.Payment.FacilitatorURL)
		return f, nil
	default:
		return nil, fmt.Errorf("unknown facilitator %q", cfg.Payment.Facilitator)
	}
}

// pricing charges a flat price unless a per-MiB surcharge is configured.
func pricing(base, perMiB int64) payments.Pricing {
	if perMiB > 0 {
		return payments.PerMiBPricing{Base: base, PerMiB: perMiB}
	}
	return payments.FlatPricing(base)
}

func newIssuer(p config.PaymentConfig) *payments.Issuer {
	return payments.NewIssuer(payments.IssuerConfig{
		Network:           p.Network,
		PayTo:             p.PayTo,
		Asset:             p.Asset,
		AssetName:         p.AssetName,
		AssetVersion:      p.AssetVersion,
		MaxTimeoutSeconds: p.MaxTimeoutSeconds,
	}, map[string]payments.Product{
		api.ProductUpload: {
			Description: "Upload a file with a time-limited lease",
			Pricing:     pricing(p.UploadPrice, p.PricePerMiB),
		},
		api.ProductRenew: {
			Description: "Extend a file lease",
			Pricing:     pricing(p.RenewPrice, p.PricePerMiB),
		},
	})
}

// newHandler assembles the API and its middleware.
// Order: RequestID -> Logger -> RateLimit -> CORS -> handler.
func newHandler(cfg *config.Config, filesSvc *files.Service, facilitator payments.Facilitator) http.Handler {
	h := api.NewHandler(api.HandlerConfig{
		Files:          filesSvc,
		Verifier:       identity.NewEthVerifier(),
		Issuer:         newIssuer(cfg.Payment),
		Payments:       payments.NewService(facilitator),
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	var corsConfig api.CORSConfig
	if cfg.DevMode {
		logging.Internal.Info("development mode: CORS allowing all origins")
	} else {
		corsConfig.AllowedOrigins = cfg.CORSOrigins
		logging.Internal.Infof("CORS restricted to origins: %v", cfg.CORSOrigins)
	}

	middleware := []func(http.Handler) http.Handler{api.RequestID, api.Logger}
	if !cfg.DevMode {
		rl := cfg.RateLimit
		middleware = append(middleware, api.RateLimit(api.RateLimitConfig{
			RequestsPerSecond:       rl.RequestsPerSecond,
			BurstSize:               rl.BurstSize,
			UploadRequestsPerMinute: rl.UploadRequestsPerMinute,
			UploadBurstSize:         rl.UploadBurstSize,
			BehindProxy:             rl.BehindProxy,
		}))
		logging.Internal.Info("rate limiting enabled")
	}
	middleware = append(middleware, api.CORS(corsConfig))

	return api.Chain(h, middleware...)
}
