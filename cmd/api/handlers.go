package main

import (
	"bufio"
	"context"
	"errors"
	"iter"
	"time"

	"github.com/PaulBabatuyi/anonymous-messages/internal/apperr"
	"github.com/PaulBabatuyi/anonymous-messages/internal/auth"
	"github.com/PaulBabatuyi/anonymous-messages/internal/data"
	"github.com/PaulBabatuyi/anonymous-messages/internal/middleware"
	"github.com/PaulBabatuyi/anonymous-messages/internal/validation"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// apiResponse is the envelope of every JSON response.
type apiResponse struct {
	Success             bool              `json:"success"`
	Message             string            `json:"message"`
	IsAcceptingMessages *bool             `json:"isAcceptingMessages,omitempty"`
	Data                any               `json:"data,omitempty"`
	Errors              map[string]string `json:"errors,omitempty"`
}

// messagesResponse always carries the messages array, even when empty.
type messagesResponse struct {
	Success  bool           `json:"success"`
	Message  string         `json:"message"`
	Messages []data.Message `json:"messages"`
}

type signupRequest struct {
	Username string `json:"username" validate:"required"`
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type verifyRequest struct {
	Username string `json:"username" validate:"required"`
	Code     string `json:"code" validate:"required"`
}

type loginRequest struct {
	Identifier string `json:"identifier" validate:"required"`
	Password   string `json:"password" validate:"required"`
}

type acceptStatusRequest struct {
	AcceptMessages *bool `json:"acceptMessages" validate:"required"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrUnauthorized):
		return fiber.StatusUnauthorized
	case errors.Is(err, apperr.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, apperr.ErrRejected):
		return fiber.StatusForbidden
	case errors.Is(err, apperr.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, apperr.ErrConflict):
		return fiber.StatusConflict
	case errors.Is(err, apperr.ErrUpstream):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *Server) fail(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	if code == fiber.StatusInternalServerError {
		s.log.WithError(err).WithField("request_id", middleware.RequestIDFrom(c)).Error("request failed")
	}
	return c.Status(code).JSON(apiResponse{Message: apperr.Message(err, "internal server error")})
}

// parse decodes the body into req and runs the struct validator.
func (s *Server) parse(c *fiber.Ctx, req any) error {
	if err := c.BodyParser(req); err != nil {
		return err
	}
	return s.validate.Struct(req)
}

func badRequest(c *fiber.Ctx, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return c.Status(fiber.StatusBadRequest).JSON(apiResponse{
			Message: "invalid request",
			Errors:  validation.Describe(verrs),
		})
	}
	return c.Status(fiber.StatusBadRequest).JSON(apiResponse{Message: "invalid request body"})
}

func (s *Server) signup(c *fiber.Ctx) error {
	var req signupRequest
	if err := s.parse(c, &req); err != nil {
		return badRequest(c, err)
	}
	if err := s.accounts.Signup(c.UserContext(), req.Username, req.Email, req.Password); err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(apiResponse{
		Success: true,
		Message: "User registered successfully. Please verify your account.",
	})
}

func (s *Server) verify(c *fiber.Ctx) error {
	var req verifyRequest
	if err := s.parse(c, &req); err != nil {
		return badRequest(c, err)
	}
	if err := s.accounts.Verify(c.UserContext(), req.Username, req.Code); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(apiResponse{Success: true, Message: "Account verified successfully"})
}

func (s *Server) login(c *fiber.Ctx) error {
	var req loginRequest
	if err := s.parse(c, &req); err != nil {
		return badRequest(c, err)
	}
	sess, err := s.accounts.Login(c.UserContext(), req.Identifier, req.Password)
	if err != nil {
		return s.fail(c, err)
	}

	c.Cookie(&fiber.Cookie{
		Name:     sessionCookie,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HTTPOnly: true,
		Secure:   s.cookieSecure,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return c.JSON(apiResponse{Success: true, Message: "Login successful", Data: sess})
}

func (s *Server) logout(c *fiber.Ctx) error {
	c.Cookie(&fiber.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HTTPOnly: true,
		Secure:   s.cookieSecure,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return c.JSON(apiResponse{Success: true, Message: "Logged out"})
}

func (s *Server) checkUsername(c *fiber.Ctx) error {
	available, err := s.accounts.UsernameAvailable(c.UserContext(), c.Query("username"))
	if err != nil {
		return s.fail(c, err)
	}
	if !available {
		return c.Status(fiber.StatusConflict).JSON(apiResponse{Message: "Username is already taken"})
	}
	return c.JSON(apiResponse{Success: true, Message: "Username is available"})
}

func (s *Server) session(c *fiber.Ctx) error {
	claims, ok := claimsFrom(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(apiResponse{Message: "not authenticated"})
	}
	return c.JSON(apiResponse{
		Success: true,
		Message: "Session active",
		Data: fiber.Map{
			"userId":              claims.UserID,
			"username":            claims.Username,
			"email":               claims.Email,
			"isVerified":          claims.IsVerified,
			"isAcceptingMessages": claims.IsAcceptingMessages,
		},
	})
}

func (s *Server) listMessages(c *fiber.Ctx) error {
	claims, _ := claimsFrom(c)
	page := data.Page{Offset: c.QueryInt("offset", 0), Limit: c.QueryInt("limit", 0)}

	msgs, err := s.msgs.ListOwn(c.UserContext(), userID(claims), page)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(messagesResponse{Success: true, Message: "Messages fetched", Messages: msgs})
}

func (s *Server) deleteMessage(c *fiber.Ctx) error {
	claims, _ := claimsFrom(c)
	if err := s.msgs.DeleteOwn(c.UserContext(), userID(claims), c.Params("id")); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(apiResponse{Success: true, Message: "Message deleted"})
}

func (s *Server) acceptStatus(c *fiber.Ctx) error {
	claims, _ := claimsFrom(c)
	accepting, err := s.msgs.AcceptingMessages(c.UserContext(), userID(claims))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(apiResponse{Success: true, Message: "Message acceptance status", IsAcceptingMessages: &accepting})
}

func (s *Server) updateAcceptStatus(c *fiber.Ctx) error {
	var req acceptStatusRequest
	if err := s.parse(c, &req); err != nil {
		return badRequest(c, err)
	}
	claims, _ := claimsFrom(c)
	accepting, err := s.msgs.SetAcceptingMessages(c.UserContext(), userID(claims), *req.AcceptMessages)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(apiResponse{
		Success:             true,
		Message:             "Message acceptance status updated successfully",
		IsAcceptingMessages: &accepting,
	})
}

func (s *Server) sendMessage(c *fiber.Ctx) error {
	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	if _, err := s.msgs.Append(c.UserContext(), c.Params("username"), req.Content); err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(apiResponse{Success: true, Message: "Message sent successfully"})
}

// streamErrorTrailer is set when a suggestion stream fails after the
// response has been committed. It is empty on a complete stream.
const streamErrorTrailer = "X-Stream-Error"

// suggest streams suggestion text. The first chunk is fetched before the
// response is committed so an upstream failure can still get a JSON error.
// Later failures are reported in the stream error trailer.
func (s *Server) suggest(c *fiber.Ctx) error {
	ctx, cancel := context.WithCancel(s.baseCtx)
	next, stop := iter.Pull2(s.suggestions.StreamSuggestions(ctx))
	release := func() {
		stop()
		cancel()
	}

	first, err, ok := next()
	if !ok {
		release()
		return c.Status(fiber.StatusBadGateway).JSON(apiResponse{Message: "no suggestions generated"})
	}
	if err != nil {
		release()
		return s.fail(c, err)
	}

	log := s.log.WithField("request_id", middleware.RequestIDFrom(c))
	fctx := c.Context()
	if err := fctx.Response.Header.SetTrailer(streamErrorTrailer); err != nil {
		release()
		return s.fail(c, err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)

	// fasthttp runs the writer as soon as it is set and closes it when the
	// response is released, so release always runs.
	fctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer release()
		for chunk := first; ; {
			if _, err := w.WriteString(chunk); err != nil {
				return
			}
			// a flush error means the client went away
			if err := w.Flush(); err != nil {
				return
			}

			var err error
			chunk, err, ok = next()
			if !ok {
				return
			}
			if err != nil {
				log.WithError(err).Warn("suggestion stream ended early")
				fctx.Response.Header.Set(streamErrorTrailer, apperr.Message(err, "suggestion stream failed"))
				return
			}
		}
	})
	return nil
}

func (s *Server) health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		s.log.WithError(err).Warn("database ping failed")
		return c.Status(fiber.StatusServiceUnavailable).JSON(apiResponse{Message: "database unavailable"})
	}
	return c.JSON(apiResponse{Success: true, Message: "ok"})
}

func userID(claims *auth.Claims) string {
	if claims == nil {
		return ""
	}
	return claims.UserID
}
