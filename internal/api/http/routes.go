package httpapi

import (
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/airsenselab/purpleair-sync/internal/history"
	"github.com/airsenselab/purpleair-sync/internal/store"
)

var validate = validator.New()

// RegisterRoutes wires the read-only sync status handlers into the
// Fiber app. The run log and dataset store are the durable record of
// every failure and skip; these endpoints expose them without
// re-running anything.
func RegisterRoutes(app *fiber.App, runLog *store.RunLog, datasets *store.DatasetStore) {
	v1 := app.Group("/api/v1")

	v1.Get("/sync/progress", func(c *fiber.Ctx) error {
		return c.JSON(runLog.Snapshot())
	})

	v1.Get("/sync/progress/:sensorID", func(c *fiber.Ctx) error {
		req, err := parseSensorParam(c)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		entry, ok := runLog.Entry(req.SensorID)
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "no progress recorded for sensor")
		}

		return c.JSON(fiber.Map{
			"sensor_id": req.SensorID,
			"progress":  entry,
		})
	})

	v1.Get("/sync/coverage/:sensorID", func(c *fiber.Ctx) error {
		req, err := parseSensorParam(c)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		span, err := datasets.Coverage(req.SensorID)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to read dataset artifact")
		}
		if span.IsZero() {
			return fiber.NewError(fiber.StatusNotFound, "no dataset artifact for sensor")
		}

		return c.JSON(fiber.Map{
			"sensor_id": req.SensorID,
			"min_date":  span.Min.Format(history.TimeLayout),
			"max_date":  span.Max.Format(history.TimeLayout),
		})
	})
}

// sensorParam holds the path parameter identifying a sensor.
type sensorParam struct {
	SensorID int `validate:"required,gt=0"`
}

func parseSensorParam(c *fiber.Ctx) (sensorParam, error) {
	var q sensorParam

	id, err := strconv.Atoi(c.Params("sensorID"))
	if err != nil {
		return q, err
	}
	q.SensorID = id

	if err := validate.Struct(q); err != nil {
		return q, err
	}

	return q, nil
}
