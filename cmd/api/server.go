package main

import (
	"context"
	"errors"
	"iter"

	"github.com/PaulBabatuyi/anonymous-messages/internal/account"
	"github.com/PaulBabatuyi/anonymous-messages/internal/auth"
	"github.com/PaulBabatuyi/anonymous-messages/internal/data"
	"github.com/PaulBabatuyi/anonymous-messages/internal/middleware"
	"github.com/PaulBabatuyi/anonymous-messages/internal/validation"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
)

// messageService is implemented by *inbox.Service.
type messageService interface {
	Append(ctx context.Context, username, content string) (*data.Message, error)
	ListOwn(ctx context.Context, userID string, page data.Page) ([]data.Message, error)
	DeleteOwn(ctx context.Context, userID, messageID string) error
	SetAcceptingMessages(ctx context.Context, userID string, accepting bool) (bool, error)
	AcceptingMessages(ctx context.Context, userID string) (bool, error)
}

// accountService is implemented by *account.Service.
type accountService interface {
	Signup(ctx context.Context, username, email, password string) error
	Verify(ctx context.Context, username, code string) error
	Login(ctx context.Context, identifier, password string) (*account.Session, error)
	UsernameAvailable(ctx context.Context, username string) (bool, error)
}

// suggestionService is implemented by *suggest.Proxy.
type suggestionService interface {
	StreamSuggestions(ctx context.Context) iter.Seq2[string, error]
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the HTTP handlers' dependencies.
type Server struct {
	msgs         messageService
	accounts     accountService
	suggestions  suggestionService
	tokens       *auth.JWTManager
	db           pinger
	validate     *validator.Validate
	log          *logrus.Entry
	cookieSecure bool
	// baseCtx bounds outbound streams; cancelling it aborts them on shutdown.
	baseCtx context.Context
}

// newServer returns a ready-to-use Server.
func newServer(msgs messageService, accounts accountService, suggestions suggestionService, tokens *auth.JWTManager, db pinger, log *logrus.Entry) *Server {
	return &Server{
		msgs:        msgs,
		accounts:    accounts,
		suggestions: suggestions,
		tokens:      tokens,
		db:          db,
		validate:    validation.New(),
		log:         log,
		baseCtx:     context.Background(),
	}
}

// newApp builds the fiber app with middleware and routes registered.
func newApp(s *Server) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "anonymous-messages",
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	app.Use(
		recover.New(),
		middleware.RequestID(),
		middleware.RequestLogger(s.log),
	)
	s.routes(app)
	return app
}

func (s *Server) routes(app *fiber.App) {
	app.Get("/health", s.health)

	app.Post("/signup", s.signup)
	app.Post("/verify", s.verify)
	app.Post("/login", s.login)
	app.Post("/logout", s.logout)
	app.Get("/check-username", s.checkUsername)

	app.Post("/messages/:username", s.sendMessage)
	app.Post("/suggestions", s.suggest)

	authed := requireSession(s.tokens)
	app.Get("/session", authed, s.session)
	app.Get("/messages", authed, s.listMessages)
	app.Delete("/messages/:id", authed, s.deleteMessage)
	app.Get("/accept-status", authed, s.acceptStatus)
	app.Post("/accept-status", authed, s.updateAcceptStatus)
}

// errorHandler renders errors that escape handlers, such as unknown routes.
func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "internal server error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code, msg = fe.Code, fe.Message
	}
	if code >= 500 {
		s.log.WithError(err).WithField("request_id", middleware.RequestIDFrom(c)).Error("unhandled error")
	}
	return c.Status(code).JSON(apiResponse{Success: false, Message: msg})
}
