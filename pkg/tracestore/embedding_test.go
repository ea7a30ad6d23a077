package tracestore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stalledEmbedder never answers until its context ends.
type stalledEmbedder struct {
	dimension int
}

func (e stalledEmbedder) Dimension() int { return e.dimension }

func (e stalledEmbedder) Embed(ctx context.Context, _ []string) ([][]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWithTimeout(t *testing.T) {
	assert.Nil(t, WithTimeout(nil, time.Second))

	e := WithTimeout(stalledEmbedder{dimension: 8}, 20*time.Millisecond)
	assert.Equal(t, 8, e.Dimension())

	start := time.Now()
	_, err := e.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 2*time.Second)

	// rewrapping replaces the bound instead of nesting it
	rewrapped := WithTimeout(e, time.Minute)
	inner, ok := rewrapped.(*timeoutEmbedder)
	require.True(t, ok)
	assert.Equal(t, time.Minute, inner.timeout)
	assert.IsType(t, stalledEmbedder{}, inner.Embedder)

	fast := WithTimeout(NewHashingEmbedder(16), 0)
	vecs, err := fast.Embed(context.Background(), []string{"a b"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Len(t, vecs[0], 16)
}

func TestStoreAppendWithStalledEmbedder(t *testing.T) {
	stores := map[string]func() Store{
		"memory": func() Store {
			return NewMemoryStore(WithTimeout(stalledEmbedder{dimension: 8}, 30*time.Millisecond))
		},
		"sqlite": func() Store {
			s, err := NewSQLiteStore(SQLiteConfig{
				Path:         filepath.Join(t.TempDir(), "trace.db"),
				Embedder:     stalledEmbedder{dimension: 8},
				EmbedTimeout: 30 * time.Millisecond,
				Logger:       zerolog.Nop(),
			})
			require.NoError(t, err)
			return s
		},
	}

	for name, factory := range stores {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()

			done := make(chan error, 1)
			go func() {
				_, err := store.Append(context.Background(), record("s1", "n1", PhaseAct, `"sum is 5"`))
				done <- err
			}()

			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("append hung on the embedder")
			}

			recs, err := store.Records(context.Background(), "s1")
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, int64(1), recs[0].Seq)
		})
	}
}

func TestOpenAIEmbedderResponseIndex(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name: "reordered indexes",
			body: `{"object":"list","model":"m","usage":{"prompt_tokens":2,"total_tokens":2},"data":[
				{"object":"embedding","index":1,"embedding":[0,1]},
				{"object":"embedding","index":0,"embedding":[1,0]}]}`,
		},
		{
			name: "index out of range",
			body: `{"object":"list","model":"m","usage":{"prompt_tokens":2,"total_tokens":2},"data":[
				{"object":"embedding","index":0,"embedding":[1,0]},
				{"object":"embedding","index":7,"embedding":[0,1]}]}`,
			wantErr: "out of range",
		},
		{
			name: "duplicate index",
			body: `{"object":"list","model":"m","usage":{"prompt_tokens":2,"total_tokens":2},"data":[
				{"object":"embedding","index":0,"embedding":[1,0]},
				{"object":"embedding","index":0,"embedding":[0,1]}]}`,
			wantErr: "duplicate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			e, err := NewOpenAIEmbedder("test-key", server.URL+"/", "m", 2)
			require.NoError(t, err)

			vecs, err := e.Embed(context.Background(), []string{"first", "second"})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
		})
	}
}
