package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precatorios/precatorios-client/internal/testutil"
	"github.com/precatorios/precatorios-client/pkg/client"
	"github.com/precatorios/precatorios-client/pkg/entity"
	"github.com/precatorios/precatorios-client/pkg/metrics"
	"github.com/precatorios/precatorios-client/pkg/precatorio"
	"github.com/precatorios/precatorios-client/pkg/query"
)

const (
	fortaleza = "MUNICÍPIO DE FORTALEZA"
	caucaia   = "MUNICÍPIO DE CAUCAIA"
)

func columns() []string {
	out := make([]string, len(query.Columns))
	for i, c := range query.Columns {
		out[i] = query.Table + "." + c
	}
	return out
}

// rowsFrom builds n rows in query.Columns order, numbered from first. The
// upstream ordem is deliberately out of sequence.
func rowsFrom(first, n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		k := first + i
		rows[i] = []any{
			fmt.Sprintf("%07d-11.2019.8.06.0001", k),
			2021,
			"Alimentar",
			int64(1557446400000),
			"Comum",
			"R$ 1.000,00",
			9000 - k,
			"Aguardando pagamento",
			"Fortaleza",
			"1500.25",
		}
	}
	return rows
}

type recordingObserver struct {
	mu      sync.Mutex
	records map[string]int
	errors  map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{records: map[string]int{}, errors: map[string]int{}}
}

func (o *recordingObserver) OnRequestStart(string)                               {}
func (o *recordingObserver) OnRequestEnd(string, time.Duration, metrics.Outcome) {}
func (o *recordingObserver) OnRecordsProcessed(entity string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records[entity] += n
}
func (o *recordingObserver) OnError(_ string, kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors[kind]++
}

func newTestSession(t *testing.T, mock *testutil.MockUpstream, observer metrics.Observer) *Session {
	t.Helper()

	resolver, err := entity.Default()
	require.NoError(t, err)

	upstream, err := client.New(client.Config{APIURL: mock.URL()})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Pagination.PageSize = 2
	cfg.Retry = client.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

	s, err := New(cfg, Deps{Resolver: resolver, Fetcher: upstream, Observer: observer})
	require.NoError(t, err)
	return s
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.ErrorIs(t, err, precatorio.ErrInvalidConfiguration)

	resolver, err := entity.Default()
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Pagination.PageSize = 0
	_, err = New(cfg, Deps{Resolver: resolver, Fetcher: &client.Client{}})
	assert.ErrorIs(t, err, precatorio.ErrInvalidConfiguration)
}

func TestCrawl_RanksRecordsAcrossPages(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse(fortaleza, "", testutil.NewPageResponse(columns(), rowsFrom(1, 2), `["p2"]`))
	mock.SetResponse(fortaleza, `["p2"]`, testutil.NewPageResponse(columns(), rowsFrom(3, 2), `["p3"]`))
	mock.SetResponse(fortaleza, `["p3"]`, testutil.NewPageResponse(columns(), rowsFrom(5, 1), ""))

	obs := newRecordingObserver()
	s := newTestSession(t, mock, obs)

	res, err := s.Crawl(context.Background(), "Município de Fortaleza", 0)
	require.NoError(t, err)

	assert.Equal(t, "municipio-de-fortaleza", res.Entity.Slug)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 5, res.RowsFetched)
	assert.Equal(t, 3, res.UpstreamCalls)
	assert.False(t, res.Partial())
	require.Len(t, res.Records, 5)
	for i, rec := range res.Records {
		assert.Equal(t, i+1, rec.Ordem)
		assert.Equal(t, fmt.Sprintf("%07d-11.2019.8.06.0001", i+1), rec.Processo)
	}
	assert.Equal(t, 5, obs.records["municipio-de-fortaleza"])
}

func TestCrawl_SecondCrawlServedFromCache(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse(fortaleza, "", testutil.NewPageResponse(columns(), rowsFrom(1, 2), `["p2"]`))
	mock.SetResponse(fortaleza, `["p2"]`, testutil.NewPageResponse(columns(), rowsFrom(3, 1), ""))

	s := newTestSession(t, mock, nil)

	first, err := s.Crawl(context.Background(), "municipio-de-fortaleza", 0)
	require.NoError(t, err)
	calls := mock.RequestCount()

	second, err := s.Crawl(context.Background(), "municipio-de-fortaleza", 0)
	require.NoError(t, err)

	assert.Equal(t, calls, mock.RequestCount(), "second crawl must not reach the upstream")
	assert.Equal(t, 2, second.CacheHits)
	assert.Zero(t, second.UpstreamCalls)
	assert.Equal(t, first.Records, second.Records)
}

func TestCrawl_UnknownEntity(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	obs := newRecordingObserver()
	s := newTestSession(t, mock, obs)

	res, err := s.Crawl(context.Background(), "atlantida", 0)
	assert.Nil(t, res)
	require.ErrorIs(t, err, precatorio.ErrUnknownEntity)
	assert.Zero(t, mock.RequestCount())
	assert.Equal(t, 1, obs.errors["unknown_entity"])
}

func TestCrawl_CycleReturnsPartialResult(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse(fortaleza, "", testutil.NewPageResponse(columns(), rowsFrom(1, 2), `["A"]`))
	mock.SetResponse(fortaleza, `["A"]`, testutil.NewPageResponse(columns(), rowsFrom(3, 2), `["B"]`))
	mock.SetResponse(fortaleza, `["B"]`, testutil.NewPageResponse(columns(), rowsFrom(5, 2), `["A"]`))

	s := newTestSession(t, mock, nil)
	res, err := s.Crawl(context.Background(), "municipio-de-fortaleza", 0)
	require.NoError(t, err)

	assert.True(t, res.CycleDetected)
	assert.True(t, res.Partial())
	assert.Equal(t, 3, mock.RequestCount())
	assert.Equal(t, 2, res.Pages)
	require.Len(t, res.Records, 4, "the page that loops back is dropped")
	assert.Equal(t, 4, res.Records[3].Ordem)
	assert.Equal(t, "0000004-11.2019.8.06.0001", res.Records[3].Processo)
	assert.NotEmpty(t, res.Warnings)
}

func TestCrawl_RejectedRowsDoNotFailCrawl(t *testing.T) {
	rows := rowsFrom(1, 10)
	rows[6][3] = "sem data"

	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse(fortaleza, "", testutil.NewPageResponse(columns(), rows, ""))

	obs := newRecordingObserver()
	s := newTestSession(t, mock, obs)
	res, err := s.Crawl(context.Background(), "municipio-de-fortaleza", 0)
	require.NoError(t, err)

	require.Len(t, res.Records, 9)
	assert.Equal(t, 1, res.ValidationFailures)
	require.Len(t, res.Rejections, 1)
	assert.Equal(t, 1, res.Rejections[0].Page)
	assert.Equal(t, 6, res.Rejections[0].Row)
	assert.Equal(t, 9, res.Records[8].Ordem)
	assert.Equal(t, 1, obs.errors["validation_failure"])
}

func TestCrawl_MaxRecordsTruncates(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse(fortaleza, "", testutil.NewPageResponse(columns(), rowsFrom(1, 2), `["p2"]`))
	mock.SetResponse(fortaleza, `["p2"]`, testutil.NewPageResponse(columns(), rowsFrom(3, 2), `["p3"]`))

	s := newTestSession(t, mock, nil)
	res, err := s.Crawl(context.Background(), "municipio-de-fortaleza", 3)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Pages)
	require.Len(t, res.Records, 3)
	assert.Equal(t, 3, res.Records[2].Ordem)
}

func TestCrawl_UpstreamUnavailable(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse(fortaleza, "", testutil.NewServerErrorResponse())

	s := newTestSession(t, mock, nil)
	res, err := s.Crawl(context.Background(), "municipio-de-fortaleza", 0)
	assert.Nil(t, res)
	require.ErrorIs(t, err, precatorio.ErrUpstreamUnavailable)

	var perr *precatorio.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "municipio-de-fortaleza", perr.Entity)
	assert.Equal(t, 3, perr.Attempts)
	assert.Equal(t, 3, mock.RequestCount())
}

func TestCrawlMany_IndependentOutcomes(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse(fortaleza, "", testutil.NewPageResponse(columns(), rowsFrom(1, 2), `["f2"]`))
	mock.SetResponse(fortaleza, `["f2"]`, testutil.NewPageResponse(columns(), rowsFrom(3, 1), ""))
	mock.SetResponse(caucaia, "", testutil.NewPageResponse(columns(), rowsFrom(100, 1), ""))

	s := newTestSession(t, mock, nil)
	outcomes := s.CrawlMany(context.Background(), []string{"municipio-de-fortaleza", "nowhere", "MUNICÍPIO DE CAUCAIA"}, 0)
	require.Len(t, outcomes, 3)

	require.NoError(t, outcomes[0].Err)
	assert.Len(t, outcomes[0].Result.Records, 3)

	assert.ErrorIs(t, outcomes[1].Err, precatorio.ErrUnknownEntity)
	assert.Nil(t, outcomes[1].Result)

	require.NoError(t, outcomes[2].Err)
	require.Len(t, outcomes[2].Result.Records, 1)
	assert.Equal(t, 1, outcomes[2].Result.Records[0].Ordem)
	assert.Equal(t, "0000100-11.2019.8.06.0001", outcomes[2].Result.Records[0].Processo)
}

func TestCrawlMany_PermanentFailureIsolated(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse(fortaleza, "", testutil.NewPageResponse(columns(), rowsFrom(1, 2), `["f2"]`))
	mock.SetResponse(fortaleza, `["f2"]`, testutil.NewPageResponse(columns(), rowsFrom(3, 2), ""))
	mock.SetResponse(caucaia, "", testutil.NewBadRequestResponse())

	s := newTestSession(t, mock, nil)
	outcomes := s.CrawlMany(context.Background(), []string{"municipio-de-caucaia", "municipio-de-fortaleza"}, 0)
	require.Len(t, outcomes, 2)

	failed := outcomes[0]
	require.ErrorIs(t, failed.Err, precatorio.ErrUpstreamUnavailable)
	var perr *precatorio.Error
	require.True(t, errors.As(failed.Err, &perr))
	assert.Equal(t, 1, perr.Attempts, "4xx is not retried")
	assert.Equal(t, "municipio-de-caucaia", perr.Entity)
	assert.Equal(t, 1, mock.RequestCountFor(caucaia))

	ok := outcomes[1]
	require.NoError(t, ok.Err)
	require.Len(t, ok.Result.Records, 4)
	assert.False(t, ok.Result.Partial())
	assert.Equal(t, 4, ok.Result.Records[3].Ordem)
	assert.Equal(t, 2, mock.RequestCountFor(fortaleza))
}

func TestEntities(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	s := newTestSession(t, mock, nil)

	list := s.Entities()
	require.NotEmpty(t, list)
	for i := 1; i < len(list); i++ {
		assert.LessOrEqual(t, list[i-1].OfficialName, list[i].OfficialName)
	}
}

func TestFetchEntities(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("", "", testutil.NewPageResponse(
		[]string{query.Table + ".dfslcp_dsc_entidade"},
		[][]any{{"MUNICÍPIO DE SOBRAL"}, {"--- Selecione a Entidade"}, {"ESTADO DO CEARÁ"}, {" MUNICÍPIO DE SOBRAL "}, {nil}},
		"",
	))

	s := newTestSession(t, mock, nil)

	names, err := s.FetchEntities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ESTADO DO CEARÁ", "MUNICÍPIO DE SOBRAL"}, names)

	_, err = s.FetchEntities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, mock.RequestCount(), "entity listing must be cached")
}

func TestRefresh_ForcesUpstream(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse(fortaleza, "", testutil.NewPageResponse(columns(), rowsFrom(1, 2), `["p2"]`))
	mock.SetResponse(fortaleza, `["p2"]`, testutil.NewPageResponse(columns(), rowsFrom(3, 1), ""))

	s := newTestSession(t, mock, nil)
	ctx := context.Background()

	_, err := s.Crawl(ctx, "municipio-de-fortaleza", 0)
	require.NoError(t, err)
	require.Equal(t, 2, mock.RequestCount())

	removed, err := s.Refresh(ctx, "Município de Fortaleza")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	res, err := s.Crawl(ctx, "municipio-de-fortaleza", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.CacheHits)
	assert.Equal(t, 4, mock.RequestCount())

	_, err = s.Refresh(ctx, "atlantis")
	assert.ErrorIs(t, err, precatorio.ErrUnknownEntity)
}
