package main

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PaulBabatuyi/anonymous-messages/internal/account"
	"github.com/PaulBabatuyi/anonymous-messages/internal/auth"
	"github.com/PaulBabatuyi/anonymous-messages/internal/config"
	"github.com/PaulBabatuyi/anonymous-messages/internal/data"
	"github.com/PaulBabatuyi/anonymous-messages/internal/db"
	"github.com/PaulBabatuyi/anonymous-messages/internal/health"
	"github.com/PaulBabatuyi/anonymous-messages/internal/inbox"
	"github.com/PaulBabatuyi/anonymous-messages/internal/logging"
	"github.com/PaulBabatuyi/anonymous-messages/internal/mailer"
	"github.com/PaulBabatuyi/anonymous-messages/internal/suggest"
	"github.com/PaulBabatuyi/anonymous-messages/internal/verify"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

func main() {
	// a local .env is optional; real environment variables take precedence
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.WithError(err).Warn("failed to read .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	log := logging.Component(logger, "main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	dbClient, err := db.New(connectCtx, cfg.MongoURI, cfg.MongoDatabase)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	if err := dbClient.CreateIndexes(ctx); err != nil {
		log.WithError(err).Fatal("failed to create indexes")
	}

	users := data.NewUsersStore(dbClient.UsersCollection())

	var jwtMgr *auth.JWTManager
	if len(cfg.JWTKeys) > 0 {
		jwtMgr = auth.NewJWTManagerFromKeys(cfg.JWTKeys, cfg.JWTActiveKid, cfg.TokenTTL)
	} else {
		jwtMgr = auth.NewJWTManager(cfg.JWTSecret, cfg.TokenTTL)
	}

	emailJS := mailer.NewEmailJS(mailer.EmailJSConfig{
		Endpoint:   cfg.EmailJS.Endpoint,
		ServiceID:  cfg.EmailJS.ServiceID,
		TemplateID: cfg.EmailJS.TemplateID,
		PrivateKey: cfg.EmailJS.PrivateKey,
		Origin:     cfg.EmailJS.Origin,
		Timeout:    cfg.UpstreamTimeout,
	}, logging.Component(logger, "mailer"))

	// With a broker configured, signup only enqueues and a consumer delivers.
	var sender mailer.Sender = emailJS
	var broker *mailer.Broker
	if cfg.MailQueueURL != "" {
		broker, err = mailer.Dial(cfg.MailQueueURL)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to mail queue")
		}
		sender = mailer.NewQueue(broker.Channel(), logging.Component(logger, "mail_queue"))

		consumer := mailer.NewConsumer(emailJS, cfg.MailRatePerMinute, cfg.UpstreamTimeout, logging.Component(logger, "mail_consumer"))
		go func() {
			if err := consumer.Run(ctx, broker.Channel()); err != nil {
				log.WithError(err).Error("mail consumer stopped")
			}
		}()
	}

	gemini, err := suggest.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		log.WithError(err).Fatal("failed to create suggestion client")
	}

	srv := newServer(
		inbox.NewService(users, logging.Component(logger, "inbox")),
		account.NewService(users, jwtMgr, verify.NewIssuer(cfg.VerifyCodeTTL), sender, cfg.UpstreamTimeout, logging.Component(logger, "account")),
		suggest.NewProxy(gemini, cfg.UpstreamTimeout, logging.Component(logger, "suggest")),
		jwtMgr,
		dbClient,
		logging.Component(logger, "http"),
	)
	srv.cookieSecure = cfg.CookieSecure
	srv.baseCtx = ctx
	app := newApp(srv)

	// gRPC health service on its own listener
	var grpcOpts []grpc.ServerOption
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			log.WithError(err).Fatal("failed to load TLS certs")
		}
		grpcOpts = append(grpcOpts, grpc.Creds(creds))
	}
	grpcServer := grpc.NewServer(grpcOpts...)
	checker := health.NewChecker(dbClient, 10*time.Second, logging.Component(logger, "health"))
	checker.Register(grpcServer)
	go checker.Run(ctx)

	lis, err := net.Listen("tcp", cfg.HealthAddr)
	if err != nil {
		log.WithError(err).Fatal("failed to listen for health checks")
	}
	go func() {
		log.WithField("addr", cfg.HealthAddr).Info("gRPC health server listening")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.WithError(err).Error("gRPC health server exit")
		}
	}()

	go func() {
		log.WithField("addr", cfg.Addr()).Info("HTTP server listening")
		var err error
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			err = app.ListenTLS(cfg.Addr(), cfg.TLSCert, cfg.TLSKey)
		} else {
			err = app.Listen(cfg.Addr())
		}
		if err != nil {
			log.WithError(err).Error("HTTP server exit")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.WithError(err).Warn("HTTP shutdown incomplete")
	}
	checker.Shutdown()
	grpcServer.GracefulStop()
	if broker != nil {
		if err := broker.Close(); err != nil {
			log.WithError(err).Warn("closing mail queue failed")
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dbClient.Close(closeCtx); err != nil {
		log.WithError(err).Warn("closing database failed")
	}
}
