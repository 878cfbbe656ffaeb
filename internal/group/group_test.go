package group

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name      string
		spec      Spec
		wantField string
	}{
		{
			name: "valid",
			spec: Spec{URLs: []string{"http://example.com/a", "s3://bucket/b"}, ConcurrencyLimit: 2},
		},
		{
			name:      "empty urls",
			spec:      Spec{},
			wantField: "urls",
		},
		{
			name:      "url without scheme",
			spec:      Spec{URLs: []string{"example.com/a"}},
			wantField: "urls",
		},
		{
			name:      "duplicate url",
			spec:      Spec{URLs: []string{"http://x/a", "http://x/a"}},
			wantField: "urls",
		},
		{
			name:      "negative concurrency",
			spec:      Spec{URLs: []string{"http://x/a"}, ConcurrencyLimit: -1},
			wantField: "concurrency_limit",
		},
		{
			name:      "name with separator",
			spec:      Spec{URLs: []string{"http://x/a"}, Name: "a/b"},
			wantField: "name",
		},
		{
			name:      "negative retry limit",
			spec:      Spec{URLs: []string{"http://x/a"}, Retry: &RetryPolicy{Limit: -1}},
			wantField: "retry.limit",
		},
		{
			name:      "unknown backoff",
			spec:      Spec{URLs: []string{"http://x/a"}, Retry: &RetryPolicy{Backoff: "linear"}},
			wantField: "retry.backoff",
		},
		{
			name:      "checksum for unknown url",
			spec:      Spec{URLs: []string{"http://x/a"}, Checksums: map[string]string{"http://x/b": "00"}},
			wantField: "checksums",
		},
		{
			name:      "short checksum",
			spec:      Spec{URLs: []string{"http://x/a"}, Checksums: map[string]string{"http://x/a": "abcd"}},
			wantField: "checksums",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantField == "" {
				require.NoError(t, err)

				return
			}

			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}
}

func TestSpecKey(t *testing.T) {
	a := Spec{URLs: []string{"http://x/a", "http://x/b"}}
	b := Spec{URLs: []string{"http://x/b", "http://x/a"}}

	assert.Equal(t, a.Key(), b.Key(), "key must not depend on url order")
	assert.Len(t, a.Key(), 32)
	assert.Equal(t, "movies", Spec{URLs: a.URLs, Name: "movies"}.Key())
	assert.NotEqual(t, a.Key(), Spec{URLs: []string{"http://x/a"}}.Key())
}

func TestRetryPolicyDelay(t *testing.T) {
	fixed := RetryPolicy{Backoff: BackoffFixed, BaseDelay: time.Second}
	assert.Equal(t, time.Second, fixed.Delay(1))
	assert.Equal(t, time.Second, fixed.Delay(5))

	exp := RetryPolicy{Backoff: BackoffExponential, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, exp.Delay(1))
	assert.Equal(t, 2*time.Second, exp.Delay(2))
	assert.Equal(t, 4*time.Second, exp.Delay(3))
	assert.Equal(t, 5*time.Second, exp.Delay(4))
	assert.Equal(t, 5*time.Second, exp.Delay(30))

	assert.Zero(t, RetryPolicy{}.Delay(1))
	assert.Zero(t, exp.Delay(0))
}

func TestRetryPolicyDelayUncappedStaysPositive(t *testing.T) {
	exp := RetryPolicy{Backoff: BackoffExponential, BaseDelay: time.Second}

	prev := exp.Delay(1)
	for n := 2; n <= 200; n++ {
		d := exp.Delay(n)
		require.Positive(t, d, "retry %d", n)
		require.GreaterOrEqual(t, d, prev, "retry %d", n)
		prev = d
	}
}

func TestNewDerivesPaths(t *testing.T) {
	spec := Spec{
		URLs: []string{
			"http://x/one/file.bin",
			"http://y/two/file.bin",
			"s3://bucket/dir/obj.tar",
			"putio://12345",
			"http://z/",
		},
		Checksums: map[string]string{"s3://bucket/dir/obj.tar": "ABCDEF"},
	}

	g := New(spec, RetryPolicy{Limit: 1}, time.Unix(0, 0))

	require.Len(t, g.SubTasks, 5)
	assert.Equal(t, "file.bin", g.SubTasks[0].Path)
	assert.Equal(t, "1-file.bin", g.SubTasks[1].Path)
	assert.Equal(t, "obj.tar", g.SubTasks[2].Path)
	assert.Equal(t, "abcdef", g.SubTasks[2].Checksum)
	assert.Equal(t, "12345", g.SubTasks[3].Path)
	assert.Equal(t, "file-4", g.SubTasks[4].Path)

	assert.Equal(t, StateCreated, g.State)
	assert.Equal(t, UnknownSize, g.TotalBytes)
	assert.Equal(t, spec.Key(), g.Key)
}

func TestNewKeepsPathsUnique(t *testing.T) {
	tests := []struct {
		urls []string
		want []string
	}{
		{[]string{"http://x/a", "http://y/a", "http://z/1-a"}, []string{"a", "1-a", "2-1-a"}},
		{[]string{"http://x/a", "http://y/2-a", "http://z/a"}, []string{"a", "2-a", "2-2-a"}},
	}

	for _, tt := range tests {
		g := New(Spec{URLs: tt.urls}, RetryPolicy{}, time.Unix(0, 0))

		var got []string
		for _, st := range g.SubTasks {
			got = append(got, st.Path)
		}

		assert.Equal(t, tt.want, got)
	}
}

func TestRecountAndInvariant(t *testing.T) {
	g := &Group{
		Key:   "k",
		State: StateRunning,
		SubTasks: []*SubTask{
			{URL: "a", State: StateCompleted, DownloadedBytes: 10, TotalBytes: 10},
			{URL: "b", State: StateRunning, DownloadedBytes: 4, TotalBytes: 8},
		},
	}

	g.Recount()
	assert.Equal(t, int64(18), g.TotalBytes)
	assert.Equal(t, int64(10), g.CompletedBytes)
	assert.Equal(t, int64(14), g.DownloadedBytes)
	require.NoError(t, g.CheckInvariant())

	g.State = StateCompleted
	require.Error(t, g.CheckInvariant())

	g.SubTasks[1].State = StateCompleted
	require.NoError(t, g.CheckInvariant())

	g.State = StateFailed
	require.Error(t, g.CheckInvariant())

	g.SubTasks[1].TotalBytes = UnknownSize
	g.Recount()
	assert.Equal(t, UnknownSize, g.TotalBytes)
}

func TestBuildReport(t *testing.T) {
	g := &Group{SubTasks: []*SubTask{
		{URL: "a", State: StateCompleted},
		{URL: "b", State: StateFailed, LastError: "boom"},
		{URL: "c", State: StateCancelled},
	}}

	r := g.BuildReport()
	assert.Equal(t, []string{"a"}, r.Completed)
	assert.Equal(t, map[string]string{"b": "boom"}, r.Failed)
	assert.Equal(t, []string{"c"}, r.Cancelled)
	assert.True(t, r.Partial)
}

func TestCloneIsDeep(t *testing.T) {
	g := &Group{
		Key:      "k",
		SubTasks: []*SubTask{{URL: "a", DownloadedBytes: 1}},
		Warnings: []string{"w"},
		Report:   &Report{Failed: map[string]string{"a": "x"}},
	}

	c := g.Clone()
	c.SubTasks[0].DownloadedBytes = 99
	c.Warnings[0] = "changed"
	c.Report.Failed["a"] = "y"

	assert.Equal(t, int64(1), g.SubTasks[0].DownloadedBytes)
	assert.Equal(t, "w", g.Warnings[0])
	assert.Equal(t, "x", g.Report.Failed["a"])
	assert.Nil(t, (*Group)(nil).Clone())
}
