package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	chiadapter "github.com/awslabs/aws-lambda-go-api-proxy/chi"
	"github.com/go-chi/chi/v5"
)

// LambdaHandler serves API Gateway proxy events with the router.
type LambdaHandler struct {
	adapter *chiadapter.ChiLambda
	logger  *slog.Logger
}

func NewLambdaHandler(r *chi.Mux, logger *slog.Logger) *LambdaHandler {
	return &LambdaHandler{adapter: chiadapter.New(r), logger: logger}
}

// Handle answers events the adapter cannot turn into a request, such as a
// body that is not valid base64, with a 400.
func (l *LambdaHandler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	resp, err := l.adapter.ProxyWithContext(ctx, req)
	if err != nil {
		l.logger.Warn("Rejected API Gateway event", "path", req.Path, "error", err)
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusBadRequest,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       `{"error":"invalid request"}`,
		}, nil
	}
	return resp, nil
}
