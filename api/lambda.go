package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
)

// HandleLambda serves API Gateway proxy events with the same routes as
// ServeHTTP.
func (h *Handler) HandleLambda(ctx context.Context, ev events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	switch {
	case ev.HTTPMethod == http.MethodGet && ev.Path == HealthPath:
		return proxyResponse(http.StatusOK, map[string]string{"status": "ok"}), nil
	case ev.HTTPMethod == http.MethodPost && ev.Path == TestPath:
		body := []byte(ev.Body)
		if ev.IsBase64Encoded {
			decoded, err := base64.StdEncoding.DecodeString(ev.Body)
			if err != nil {
				return proxyResponse(http.StatusBadRequest, errorResponse{Error: "invalid base64 body"}), nil
			}
			body = decoded
		}
		status, payload := h.submit(ctx, body)
		return proxyResponse(status, payload), nil
	default:
		return proxyResponse(http.StatusNotFound, errorResponse{Error: "not found"}), nil
	}
}

func proxyResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"could not encode response"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}
