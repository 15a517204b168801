package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/braintree/manners"
	"github.com/getsentry/sentry-go"
	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/rorycl/BlingNFeTokenServer/bling"
	"github.com/rorycl/BlingNFeTokenServer/logging"
	"github.com/rorycl/BlingNFeTokenServer/metrics"
	"github.com/rorycl/BlingNFeTokenServer/randstring"
	"github.com/rorycl/BlingNFeTokenServer/server"
	"github.com/rorycl/BlingNFeTokenServer/token"
)

const description = "Bling NFe oauth token server"
const version = "1.0.0"
const usage = " <options>" + "\n\n  " + description

// Opts are the command line options; each may also be set in the
// environment or a .env file
type Opts struct {
	Port           string   `short:"p" long:"port" env:"PORT" description:"port to run on" default:"3001"`
	Addr           string   `short:"n" long:"address" env:"ADDRESS" description:"network address to run on" default:"0.0.0.0"`
	ClientID       string   `long:"client-id" env:"CLIENT_ID" description:"Bling app client id"`
	ClientSecret   string   `long:"client-secret" env:"BLING_CLIENT_SECRET" description:"Bling app client secret"`
	BaseURL        string   `long:"bling-url" env:"BLING_BASE_URL" description:"Bling api root" default:"https://www.bling.com.br/Api/v3"`
	FrontendURL    string   `short:"f" long:"frontend" env:"FRONTEND_URL" description:"frontend the callback redirects to" default:"http://localhost:5173"`
	Redirect       string   `short:"r" long:"redirect" env:"REDIRECT_URL" description:"fixed oauth2 redirect address, derived from the request when empty"`
	AllowedOrigins []string `long:"origin" env:"ALLOWED_ORIGINS" env-delim:"," description:"CORS allowed origin (repeatable)"`
	Env            string   `short:"e" long:"env" env:"APP_ENV" description:"environment" default:"development"`
	SessionKey     string   `long:"session-key" env:"SESSION_KEY" description:"cookie signing key of at least 32 bytes, random when empty"`
	SentryDSN      string   `long:"sentry-dsn" env:"SENTRY_DSN" description:"sentry dsn for error reporting"`
}

func main() {

	// a missing .env file is not an error
	_ = godotenv.Load()

	var options Opts
	var parser = flags.NewParser(&options, flags.Default)
	parser.Usage = fmt.Sprintf("%s : %s", usage, version)

	if _, err := parser.Parse(); err != nil {
		if flagError, ok := err.(*flags.Error); ok && flagError.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	logger, err := logging.New(options.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error %s\n", err)
		os.Exit(1)
	}
	defer logging.Sync(logger)

	if options.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         options.SentryDSN,
			Release:     version,
			Environment: options.Env,
		})
		if err != nil {
			logger.Fatal("sentry init", zap.Error(err))
		}
		defer sentry.Flush(2 * time.Second)
	}

	sessionKey := []byte(options.SessionKey)
	if len(sessionKey) == 0 {
		key, err := randstring.RandString(48)
		if err != nil {
			logger.Fatal("session key", zap.Error(err))
		}
		sessionKey = []byte(key)
		logger.Info("no session key configured, using a random key")
	}

	m := metrics.New()
	broker, err := token.NewBroker(token.Config{
		ClientID:     options.ClientID,
		ClientSecret: options.ClientSecret,
		BaseURL:      options.BaseURL,
		FrontendURL:  options.FrontendURL,
		RedirectURL:  options.Redirect,
		SessionKey:   sessionKey,
		Logger:       logger,
		Metrics:      m,
	})
	if err != nil {
		logger.Fatal("new token broker", zap.Error(err))
	}
	client, err := bling.NewClient(options.BaseURL, bling.DefaultTimeout, m)
	if err != nil {
		logger.Fatal("new bling client", zap.Error(err))
	}

	srv := server.New(server.Config{
		Version:        version,
		Env:            options.Env,
		BlingBaseURL:   options.BaseURL,
		FrontendURL:    options.FrontendURL,
		AllowedOrigins: server.CleanOrigins(options.AllowedOrigins),
		ClientID:       options.ClientID,
		HasSecret:      options.ClientSecret != "",
	}, broker, client, logger, m)

	// configure server options; the write timeout covers the slowest
	// route, create-nfe, which makes two calls to Bling
	httpServer := &http.Server{
		Addr:         options.Addr + ":" + options.Port,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 2*bling.DefaultTimeout + 5*time.Second,
		Handler:      srv.Handler(os.Stdout),
	}
	graceful := manners.NewWithServer(httpServer)

	// catch signals
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go listenForShutdown(ch, graceful, logger)

	logger.Info("serving",
		zap.String("address", httpServer.Addr),
		zap.String("env", options.Env),
		zap.Strings("origins", server.CleanOrigins(options.AllowedOrigins)),
	)
	if err := graceful.ListenAndServe(); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
}

func listenForShutdown(ch <-chan os.Signal, s *manners.GracefulServer, logger *zap.Logger) {
	<-ch
	logger.Info("closing the server")
	s.Close()
}
