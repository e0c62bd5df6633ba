package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

const (
	headerIdempotencyKey  = "Idempotency-Key"
	headerXIdempotencyKey = "X-Idempotency-Key"
	headerReplayed        = "Idempotent-Replayed"
	maxIdempotencyKeyLen  = 255
)

func idempotencyKey(c *fiber.Ctx) string {
	if key := strings.TrimSpace(c.Get(headerIdempotencyKey)); key != "" {
		return key
	}
	return strings.TrimSpace(c.Get(headerXIdempotencyKey))
}

// requestHash связывает ключ с конкретным запросом: метод, путь и тело.
func requestHash(c *fiber.Ctx) string {
	h := sha256.New()
	h.Write([]byte(c.Method()))
	h.Write([]byte{0})
	h.Write([]byte(c.Path()))
	h.Write([]byte{0})
	h.Write(c.Body())
	return hex.EncodeToString(h.Sum(nil))
}

// withIdempotency сохраняет ответ под Idempotency-Key и отдаёт его повторно.
// Тот же ключ с другим телом получает 422, запрос в процессе выполнения 409.
// Ответ 5xx не закрепляется: повтор с тем же ключом выполняется заново.
func (s *Server) withIdempotency(next fiber.Handler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := idempotencyKey(c)
		if key == "" || s.deps.Store == nil {
			return next(c)
		}
		if len(key) > maxIdempotencyKeyLen {
			return newAPIError(fiber.StatusBadRequest, reasonInvalidRequest, errors.New("idempotency key is too long"))
		}

		repo := s.deps.Store.Idempotency()
		ctx, cancel := s.requestContext(c)
		defer cancel()
		logger := s.logger.WithFields(log.Fields{"idempotency_key": key, "path": c.Path()})

		hash := requestHash(c)
		record, err := repo.CreateProcessing(ctx, key, hash, time.Now().UTC().Add(s.idempotencyTTL))
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrIdempotencyHashMismatch):
				return newAPIError(fiber.StatusUnprocessableEntity, reasonIdempotencyMismatch,
					errors.New("idempotency key is already used with a different request"))
			case !errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
				return err
			}

			switch {
			case record.Status == domain.IdempotencyStatusProcessing:
				return newAPIError(fiber.StatusConflict, reasonRequestInProgress,
					errors.New("request with the same idempotency key is already processing"))
			case record.Replayable() && record.HTTPStatus < fiber.StatusInternalServerError && len(record.ResponseBody) > 0:
				logger.Debug("replaying stored response")
				c.Set(headerReplayed, "true")
				c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
				return c.Status(record.HTTPStatus).Send(record.ResponseBody)
			}
			logger.Info("re-executing request after retryable failure")
		}

		runErr := next(c)
		if runErr != nil {
			// ошибку отрисует ErrorHandler, в хранилище кладём то же тело
			if handleErr := s.handleError(c, runErr); handleErr != nil {
				return handleErr
			}
		}

		status := c.Response().StatusCode()
		body := append([]byte(nil), c.Response().Body()...)
		mark := repo.MarkDone
		if status >= fiber.StatusBadRequest {
			mark = repo.MarkFailed
		}
		if err := mark(ctx, key, body, status); err != nil {
			logger.WithError(err).Warn("failed to store idempotent response")
		}
		return nil
	}
}
