package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"msgroute/internal/eventbus"
	"msgroute/internal/routing"
	logx "msgroute/pkg/logx"
)

const (
	msgServerMalfunction = "Server malfunction"
	msgTooManyRequests   = "Too many requests"
	msgBodyTooLarge      = "Request body too large"
	msgMethodNotAllowed  = "Method not allowed"
	msgNotFound          = "Not found"
)

type errorBody struct {
	Error string `json:"error"`
}

type routeBody struct {
	IP         string   `json:"ip"`
	Recipients []string `json:"recipients"`
}

type routeResponseBody struct {
	Message string      `json:"message"`
	Routes  []routeBody `json:"routes"`
}

type tierBody struct {
	Name      string   `json:"name"`
	Capacity  int      `json:"capacity"`
	Addresses []string `json:"addresses"`
}

type elasticBody struct {
	Prefix string `json:"prefix"`
	Start  int    `json:"start"`
}

type planBody struct {
	Tier     string `json:"tier"`
	Capacity int    `json:"capacity"`
	Routes   int    `json:"routes"`
}

type topologyBody struct {
	Fixed   []tierBody  `json:"fixed"`
	Elastic elasticBody `json:"elastic"`
	Plan    []planBody  `json:"plan,omitempty"`
}

func abortError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, errorBody{Error: msg})
}

// marshalFunc is swapped in tests to exercise the 500 path.
var marshalFunc = json.Marshal

// MarshalRouteResponse renders a plan in the wire format of the route endpoint.
func MarshalRouteResponse(plan routing.RouteResponse) ([]byte, error) {
	out := routeResponseBody{Message: plan.Message, Routes: make([]routeBody, len(plan.Routes))}
	for i, r := range plan.Routes {
		out.Routes[i] = routeBody{IP: r.Target, Recipients: r.Recipients}
	}
	return marshalFunc(out)
}

type handlers struct {
	part      routing.Partitioner
	validator routing.Validator
	maxBody   int64
	bus       eventbus.Bus
	metrics   *Metrics
	log       logx.Logger
}

func (h *handlers) route(c *gin.Context) {
	start := time.Now()
	rid := getRequestID(c)

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.reject(c, rid, http.StatusRequestEntityTooLarge, msgBodyTooLarge, "body_too_large")
			return
		}
		h.reject(c, rid, http.StatusBadRequest, routing.ErrMalformedRequest.Error(), routing.KindMalformedRequest.String())
		return
	}

	req, err := h.validator.Parse(body)
	if err != nil {
		kind := routing.KindOf(err)
		if kind == 0 {
			h.log.Error("unexpected validation error", logx.String("request_id", rid), logx.Err(err))
			abortError(c, http.StatusInternalServerError, msgServerMalfunction)
			return
		}
		h.reject(c, rid, http.StatusBadRequest, err.Error(), kind.String())
		return
	}

	plan := h.part.Plan(req)
	elastic := 0
	for _, r := range plan.Routes {
		if r.Elastic {
			elastic++
		}
		if h.metrics != nil {
			h.metrics.routes.WithLabelValues(r.Tier).Inc()
		}
	}

	payload, err := MarshalRouteResponse(plan)
	if err != nil {
		h.log.Error("encode route response failed", logx.String("request_id", rid), logx.Err(err))
		abortError(c, http.StatusInternalServerError, msgServerMalfunction)
		return
	}
	c.Data(http.StatusOK, "application/json", payload)

	took := time.Since(start)
	if h.metrics != nil {
		h.metrics.outcomes.WithLabelValues("planned").Inc()
		h.metrics.recipients.Observe(float64(len(req.Recipients)))
	}
	if h.bus != nil {
		h.bus.Publish(eventbus.Event{Type: eventbus.TypeRoutePlanned, Data: eventbus.RoutePlanned{
			RequestID:  rid,
			Recipients: len(req.Recipients),
			Routes:     len(plan.Routes),
			Elastic:    elastic,
			Took:       took,
		}})
	}
	if h.log.Enabled(logx.LevelDebug) {
		h.log.Debug("route planned",
			logx.String("request_id", rid),
			logx.Int("recipients", len(req.Recipients)),
			logx.Int("routes", len(plan.Routes)),
			logx.Int("elastic", elastic),
			logx.Duration("took", took),
		)
	}
}

func (h *handlers) reject(c *gin.Context, rid string, status int, msg, reason string) {
	abortError(c, status, msg)
	if h.metrics != nil {
		h.metrics.outcomes.WithLabelValues(reason).Inc()
	}
	if h.bus != nil {
		h.bus.Publish(eventbus.Event{Type: eventbus.TypeRouteRejected, Data: eventbus.RouteRejected{RequestID: rid, Reason: reason}})
	}
}

func (h *handlers) topology(c *gin.Context) {
	topo := h.part.Topology
	if topo == nil {
		topo = routing.DefaultTopology()
	}
	el := topo.Elastic()
	out := topologyBody{Elastic: elasticBody{Prefix: el.Prefix, Start: el.Start}}
	for _, t := range topo.Fixed() {
		out.Fixed = append(out.Fixed, tierBody{Name: t.Name, Capacity: t.Capacity, Addresses: t.Addresses})
	}
	if out.Fixed == nil {
		out.Fixed = []tierBody{}
	}

	if raw, ok := c.GetQuery("recipients"); ok {
		limit := h.validator.Limit()
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > limit {
			abortError(c, http.StatusBadRequest, fmt.Sprintf("recipients must be an integer between 0 and %d", limit))
			return
		}
		for _, u := range h.part.Counts(n) {
			out.Plan = append(out.Plan, planBody{Tier: u.Tier, Capacity: u.Capacity, Routes: u.Routes})
		}
	}
	c.JSON(http.StatusOK, out)
}

func healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func notFound(c *gin.Context) { abortError(c, http.StatusNotFound, msgNotFound) }

func methodNotAllowed(c *gin.Context) { abortError(c, http.StatusMethodNotAllowed, msgMethodNotAllowed) }
