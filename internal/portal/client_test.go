package portal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"powerscraper/pkg/models"
)

// fakePortal emulates the metering portal's postback flow: every page carries
// a fresh viewstate and a postback is only valid with the most recently
// issued one.
type fakePortal struct {
	mu       sync.Mutex
	months   []models.YearMonth // index 0 is the newest month
	idx      int
	username string
	password string

	sessionOK bool
	vsCounter int
	validVS   string
	failNext  int
}

func newFakePortal(current models.YearMonth, depth int) *fakePortal {
	p := &fakePortal{username: "user", password: "secret"}
	month := current
	for i := 0; i < depth; i++ {
		p.months = append(p.months, month)
		month = month.Prev()
	}
	return p
}

func (p *fakePortal) issueVS() string {
	p.vsCounter++
	p.validVS = fmt.Sprintf("vs-%d", p.vsCounter)
	return p.validVS
}

func (p *fakePortal) loginHTML() string {
	return fmt.Sprintf(`<html><body>
<form method="post" action="login.aspx">
<input type="hidden" name="__VIEWSTATE" value="%s" />
<input type="hidden" name="__VIEWSTATEGENERATOR" value="LOGIN1" />
<input type="text" name="username_txt" />
<input type="password" name="password_txt" />
<input type="submit" name="login_btn" value="Login" />
</form></body></html>`, p.issueVS())
}

func (p *fakePortal) monthHTML() string {
	values := []float64{10, 10, 10}
	return monthPageHTML(p.months[p.idx], values, p.issueVS(), p.idx > 0)
}

func (p *fakePortal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case r.URL.Path == "/login.aspx" && r.Method == http.MethodGet:
		fmt.Fprint(w, p.loginHTML())

	case r.URL.Path == "/login.aspx" && r.Method == http.MethodPost:
		r.ParseForm()
		if r.FormValue("username_txt") != p.username || r.FormValue("password_txt") != p.password {
			fmt.Fprint(w, p.loginHTML())
			return
		}
		p.sessionOK = true
		http.Redirect(w, r, "graphing.aspx", http.StatusFound)

	case r.URL.Path == "/graphing.aspx" && r.Method == http.MethodGet:
		if !p.sessionOK {
			fmt.Fprint(w, p.loginHTML())
			return
		}
		fmt.Fprint(w, p.monthHTML())

	case r.URL.Path == "/graphing.aspx" && r.Method == http.MethodPost:
		if p.failNext > 0 {
			p.failNext--
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if !p.sessionOK {
			fmt.Fprint(w, p.loginHTML())
			return
		}
		r.ParseForm()
		if r.FormValue("__VIEWSTATE") != p.validVS {
			http.Error(w, "viewstate mismatch", http.StatusInternalServerError)
			return
		}
		if r.FormValue("prevMonth_btn") != "" && p.idx+1 < len(p.months) {
			p.idx++
		}
		if r.FormValue("nextMonth_btn") != "" && p.idx > 0 {
			p.idx--
		}
		fmt.Fprint(w, p.monthHTML())

	default:
		http.NotFound(w, r)
	}
}

func (p *fakePortal) expireSession() {
	p.mu.Lock()
	p.sessionOK = false
	p.mu.Unlock()
}

func (p *fakePortal) setLanding(idx int) {
	p.mu.Lock()
	p.idx = idx
	p.mu.Unlock()
}

func (p *fakePortal) failPostbacks(n int) {
	p.mu.Lock()
	p.failNext = n
	p.mu.Unlock()
}

func newTestClient(t *testing.T, p *fakePortal, password string) *Client {
	t.Helper()
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)

	client, err := NewClient(ClientOptions{
		BaseURL:  srv.URL + "/",
		Username: "user",
		Password: password,
	})
	require.NoError(t, err)
	return client
}

var testCurrent = models.YearMonth{Year: 2026, Month: time.March}

func TestLoginSuccess(t *testing.T) {
	fake := newFakePortal(testCurrent, 6)
	client := newTestClient(t, fake, "secret")

	page, err := client.Login(context.Background())
	require.NoError(t, err)
	require.Equal(t, testCurrent, page.Month)
	require.NotEmpty(t, page.Form["__VIEWSTATE"])
}

func TestLoginRejected(t *testing.T) {
	fake := newFakePortal(testCurrent, 6)
	client := newTestClient(t, fake, "wrong")

	_, err := client.Login(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(ClientOptions{BaseURL: "http://example.invalid/"})
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestPrevMonthThreadsViewstate(t *testing.T) {
	fake := newFakePortal(testCurrent, 6)
	client := newTestClient(t, fake, "secret")
	ctx := context.Background()

	page, err := client.Login(ctx)
	require.NoError(t, err)

	feb, err := client.PrevMonth(ctx, page)
	require.NoError(t, err)
	require.Equal(t, models.YearMonth{Year: 2026, Month: time.February}, feb.Month)

	jan, err := client.PrevMonth(ctx, feb)
	require.NoError(t, err)
	require.Equal(t, models.YearMonth{Year: 2026, Month: time.January}, jan.Month)

	// Replaying a stale token is rejected by the server
	_, err = client.PrevMonth(ctx, page)
	var srvErr *ServerError
	require.ErrorAs(t, err, &srvErr)
}

func TestPostbackServerError(t *testing.T) {
	fake := newFakePortal(testCurrent, 6)
	client := newTestClient(t, fake, "secret")
	ctx := context.Background()

	page, err := client.Login(ctx)
	require.NoError(t, err)

	fake.failPostbacks(1)
	_, err = client.PrevMonth(ctx, page)
	var srvErr *ServerError
	require.ErrorAs(t, err, &srvErr)
	require.Equal(t, http.StatusInternalServerError, srvErr.StatusCode)
}

func TestSessionExpiryRelogin(t *testing.T) {
	fake := newFakePortal(testCurrent, 6)
	client := newTestClient(t, fake, "secret")
	ctx := context.Background()

	page, err := client.Login(ctx)
	require.NoError(t, err)

	// Expired session serves the login page; the client re-authenticates
	// and replays the navigation from the fresh page
	fake.expireSession()
	feb, err := client.PrevMonth(ctx, page)
	require.NoError(t, err)
	require.Equal(t, models.YearMonth{Year: 2026, Month: time.February}, feb.Month)
}

func TestSyncToCurrent(t *testing.T) {
	fake := newFakePortal(testCurrent, 6)
	client := newTestClient(t, fake, "secret")
	ctx := context.Background()

	// The portal lands two months behind after login
	fake.setLanding(2)

	page, err := client.Login(ctx)
	require.NoError(t, err)
	require.Equal(t, models.YearMonth{Year: 2026, Month: time.January}, page.Month)

	page, err = client.SyncToCurrent(ctx, page, testCurrent)
	require.NoError(t, err)
	require.Equal(t, testCurrent, page.Month)
}

func TestWalker(t *testing.T) {
	fake := newFakePortal(testCurrent, 3)
	client := newTestClient(t, fake, "secret")
	ctx := context.Background()

	walker, err := client.Open(ctx, time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	current, err := walker.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, testCurrent, current.Month)
	require.Len(t, current.Days, 3)

	prev, err := walker.Previous(ctx)
	require.NoError(t, err)
	require.Equal(t, models.YearMonth{Year: 2026, Month: time.February}, prev.Month)
}
