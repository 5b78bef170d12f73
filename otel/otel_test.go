package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
)

func TestNewProvider(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		enabled bool
		err     error
		errMsg  string
	}{
		{name: "disabled", cfg: Config{}},
		{name: "http", cfg: Config{Proto: "HTTP", Endpoint: "localhost:4318", Insecure: true}, enabled: true},
		{name: "default_proto", cfg: Config{Endpoint: "localhost:4318", SampleRatio: 0.5}, enabled: true},
		{name: "grpc", cfg: Config{Proto: "grpc", Endpoint: "localhost:4317"}, err: ErrUnsupportedProto},
		{name: "sample_ratio", cfg: Config{Endpoint: "localhost:4318", SampleRatio: 2}, errMsg: "invalid sample ratio"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, err := NewProvider(context.Background(), tt.cfg)
			switch {
			case tt.err != nil:
				require.ErrorIs(t, err, tt.err)
				return
			case tt.errMsg != "":
				require.ErrorContains(t, err, tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.enabled, p.Enabled())

			if !tt.enabled {
				_, span := p.Tracer("test").Start(context.Background(), "span")
				assert.False(t, span.IsRecording())
				span.End()
			}
			// no span was recorded, so nothing is sent on flush
			assert.NoError(t, p.Shutdown(context.Background()))
		})
	}
}

func TestNewResource(t *testing.T) {
	t.Parallel()

	res := newResource("1.2.3")
	assert.Contains(t, res.Attributes(), semconv.ServiceName("zombie"))
	assert.Contains(t, res.Attributes(), semconv.ServiceVersion("1.2.3"))

	assert.Len(t, newResource("").Attributes(), 1)
}
