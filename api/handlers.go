package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"realtime-service/activity"
	"realtime-service/domain"
	"realtime-service/publisher"
	"realtime-service/subscriber"
)

const (
	postEventMaxSize  = 1 << 20 // 1 MiB request body cap
	keepAliveInterval = 15 * time.Second
)

// Deps collects the service components the handlers dispatch to.
type Deps struct {
	Publisher  *publisher.Publisher
	Subscriber *subscriber.Subscriber
	Activity   *activity.Service
	Auth       Authenticator
	Logger     *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	e.POST("/api/events", postEvent(d))
	e.POST("/api/events/batch", postEventBatch(d))
	e.GET("/api/stream", stream(d))
	e.POST("/api/activities", postActivity(d))
	e.GET("/api/feed", getFeed(d))
	e.POST("/api/feed/read", postFeedRead(d))
	e.GET("/api/insights", getInsights(d))
	e.GET("/api/health", health(d))
}

func postEvent(d Deps) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics := newPublishRequestMetrics(d.Logger, "/api/events")
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		principal, authErr := d.Auth.PrincipalFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		spec, decodeErr := decodeEventSpec(c, principal)
		if decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, decodeErr.Error())
			return err
		}
		if spec.OrganizationID != principal.OrganizationID {
			metrics.SetErrorStage("org_mismatch")
			err = c.String(http.StatusForbidden, "event organization does not match token")
			return err
		}

		publishStart := time.Now()
		res := d.Publisher.Publish(c.Request().Context(), spec)
		metrics.ObservePublish(time.Since(publishStart))
		metrics.SetOutcome(res)

		if !res.Success {
			metrics.SetErrorStage("publish")
			err = c.JSON(http.StatusBadGateway, res)
			return err
		}
		status := http.StatusOK
		if res.Queued {
			status = http.StatusAccepted
		}
		err = c.JSON(status, res)
		return err
	}
}

func postEventBatch(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		principal, err := d.Auth.PrincipalFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		lr := io.LimitReader(c.Request().Body, postEventMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		specs := make([]publisher.EventSpec, 0, 8)
		if err := dec.Decode(&specs); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		for i := range specs {
			if specs[i].OrganizationID == "" {
				specs[i].OrganizationID = principal.OrganizationID
			}
			if specs[i].OrganizationID != principal.OrganizationID {
				return c.String(http.StatusForbidden, "event organization does not match token")
			}
		}

		result := d.Publisher.PublishBatch(c.Request().Context(), specs)
		return c.JSON(http.StatusAccepted, result)
	}
}

func decodeEventSpec(c echo.Context, principal domain.Principal) (publisher.EventSpec, error) {
	var spec publisher.EventSpec
	lr := io.LimitReader(c.Request().Body, postEventMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return spec, errors.New("invalid body")
	}
	if spec.OrganizationID == "" {
		spec.OrganizationID = principal.OrganizationID
	}
	if spec.UserID == "" {
		spec.UserID = principal.ID
	}
	return spec, nil
}

func stream(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		// EventSource cannot set headers, so tokens may arrive as a query
		// parameter.
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if authHeader == "" {
			if token := c.QueryParam("token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
		principal, err := d.Auth.PrincipalFromAuthHeader(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		req := subscribeRequestFromQuery(c, principal)
		conn, err := newSSEConnection(c, principal)
		if err != nil {
			return c.String(http.StatusInternalServerError, err.Error())
		}

		result := d.Subscriber.Subscribe(c.Request().Context(), conn, req)
		frame, _ := sonic.Marshal(result)
		if err := conn.Send(c.Request().Context(), "subscribed", frame); err != nil {
			return err
		}
		if !result.Success {
			return nil
		}
		defer func() {
			if err := d.Subscriber.Unsubscribe(conn.ID(), ""); err != nil {
				d.Logger.WithError(err).Debug("unsubscribe on disconnect")
			}
		}()

		// Backlog follows the confirmation, which carries the replay count.
		d.Subscriber.StartReplay(result.SubscriptionID)

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		ctx := c.Request().Context()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					return nil
				}
			}
		}
	}
}

// subscribeRequestFromQuery builds the interest declaration from query
// parameters. With no rooms given the connection watches its own org room.
func subscribeRequestFromQuery(c echo.Context, principal domain.Principal) subscriber.SubscribeRequest {
	req := subscriber.SubscribeRequest{
		EventTypes: splitEventTypes(c.QueryParam("eventTypes")),
		Rooms:      splitParam(c.QueryParam("rooms")),
	}
	if len(req.Rooms) == 0 {
		req.Rooms = []string{domain.OrgRoom(principal.OrganizationID)}
	}
	if replay, err := strconv.ParseBool(c.QueryParam("replay")); err == nil {
		req.ReplayHistory = replay
	}
	if n, err := strconv.Atoi(c.QueryParam("replayCount")); err == nil && n > 0 {
		req.ReplayCount = n
	}
	return req
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitEventTypes(raw string) []domain.EventType {
	parts := splitParam(raw)
	if len(parts) == 0 {
		return nil
	}
	types := make([]domain.EventType, 0, len(parts))
	for _, p := range parts {
		types = append(types, domain.EventType(p))
	}
	return types
}

func postActivity(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		principal, err := d.Auth.PrincipalFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		lr := io.LimitReader(c.Request().Body, postEventMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		var input activity.AddActivityInput
		if err := dec.Decode(&input); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if input.OrganizationID == "" {
			input.OrganizationID = principal.OrganizationID
		}
		if input.OrganizationID != principal.OrganizationID {
			return c.String(http.StatusForbidden, "activity organization does not match token")
		}
		if input.UserID == "" {
			input.UserID = principal.ID
		}
		if input.UserRole == "" {
			input.UserRole = principal.Role
		}

		res := d.Activity.AddActivity(c.Request().Context(), input)
		if !res.Success {
			return c.JSON(http.StatusBadRequest, res)
		}
		return c.JSON(http.StatusOK, res)
	}
}

func getFeed(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		principal, err := d.Auth.PrincipalFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		q := activity.FeedQuery{}
		if n, err := strconv.Atoi(c.QueryParam("limit")); err == nil && n > 0 {
			q.Limit = n
		}
		if n, err := strconv.Atoi(c.QueryParam("offset")); err == nil && n > 0 {
			q.Offset = n
		}
		if n, err := strconv.Atoi(c.QueryParam("minScore")); err == nil && n > 0 {
			q.MinScore = n
		}
		for _, t := range splitParam(c.QueryParam("types")) {
			q.Types = append(q.Types, domain.ActivityType(t))
		}
		if raw := c.QueryParam("since"); raw != "" {
			since, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return c.String(http.StatusBadRequest, "invalid since timestamp")
			}
			q.Since = since
		}

		page := d.Activity.GetActivityFeed(c.Request().Context(), principal.OrganizationID, principal.ID, q)
		return c.JSON(http.StatusOK, page)
	}
}

type markReadRequest struct {
	ActivityIDs []string `json:"activityIds"`
}

func postFeedRead(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		principal, err := d.Auth.PrincipalFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var req markReadRequest
		if err := c.Bind(&req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if err := d.Activity.MarkActivitiesRead(principal.OrganizationID, principal.ID, req.ActivityIDs); err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func getInsights(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		principal, err := d.Auth.PrincipalFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		period := 24 * time.Hour
		if raw := c.QueryParam("period"); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil || parsed <= 0 {
				return c.String(http.StatusBadRequest, "invalid period")
			}
			period = parsed
		}

		insights := d.Activity.GetActivityInsights(c.Request().Context(), principal.OrganizationID, period)
		return c.JSON(http.StatusOK, insights)
	}
}

type healthResponse struct {
	Status     string           `json:"status"`
	Publisher  publisher.Stats  `json:"publisher"`
	Subscriber subscriber.Stats `json:"subscriber"`
	Activity   activity.Stats   `json:"activity"`
}

func health(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, healthResponse{
			Status:     "ok",
			Publisher:  d.Publisher.Stats(),
			Subscriber: d.Subscriber.Stats(),
			Activity:   d.Activity.Stats(),
		})
	}
}
