// Package mocks provides gomock implementations of the core ports.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	transport := mocks.NewMockTransport(ctrl)
//	transport.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(core.TransportDelivered, nil)
package mocks

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=transport_mock.go github.com/target/mmk-dispatch/internal/core Transport
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=renderer_mock.go github.com/target/mmk-dispatch/internal/core Renderer
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=cache_repository_mock.go github.com/target/mmk-dispatch/internal/core CacheRepository
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=best_hour_lookup_mock.go github.com/target/mmk-dispatch/internal/core BestHourLookup
