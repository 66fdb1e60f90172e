// Package main provides a Lambda entry point for the WebPeasy admin API.
//
// The admin handler is served behind API Gateway (HTTP API, payload v2).
// Configuration comes from WEBPEASY_* environment variables, optionally on
// top of a bundled YAML file named by WEBPEASY_CONFIG; the session secret is
// usually read from SSM via WEBPEASY_SESSION_SECRET_PARAM.
//
// Security:
//   - Origin-verify middleware blocks direct API Gateway access (CloudFront-only)
//   - Every mutating action requires a session with manage_options and a nonce
package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/rs/zerolog/log"

	"github.com/fpang/webpeasy/internal/admin"
	"github.com/fpang/webpeasy/internal/app"
	"github.com/fpang/webpeasy/internal/config"
	"github.com/fpang/webpeasy/internal/logging"
)

var handler http.Handler

func init() {
	logging.Init()
	initStart := time.Now()

	cfg, err := config.Load(os.Getenv("WEBPEASY_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	a, err := app.Build(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise WebPeasy")
	}

	originVerifySecret := os.Getenv("ORIGIN_VERIFY_SECRET")
	if originVerifySecret == "" {
		log.Warn().Msg("ORIGIN_VERIFY_SECRET not set, origin verification disabled")
	}
	handler = admin.WithOriginVerify(originVerifySecret, a.Admin)

	log.Info().Dur("initDuration", time.Since(initStart)).Msg("Lambda ready")
}

func main() {
	adapter := httpadapter.NewV2(handler)
	lambda.Start(adapter.ProxyWithContext)
}
