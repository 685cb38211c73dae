package portal

import (
	"context"
	"fmt"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"

	"powerscraper/pkg/models"
)

const (
	loginPath    = "login.aspx"
	graphingPath = "graphing.aspx"

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

// postbackFields are the hidden inputs the server echoes into every page.
// Each postback must submit the values captured from the previous response.
var postbackFields = []string{
	"__VIEWSTATE",
	"__VIEWSTATEGENERATOR",
	"__EVENTVALIDATION",
	"__EVENTTARGET",
	"__EVENTARGUMENT",
}

// FormState is the immutable navigation token captured from one response and
// threaded into the next request.
type FormState map[string]string

// clone returns a copy so a retried postback never mutates the source page
func (f FormState) clone() FormState {
	out := make(FormState, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Page is one fetched portal page together with its navigation token
type Page struct {
	HTML  string
	Form  FormState
	Month models.YearMonth
}

// ClientOptions configures the portal session client
type ClientOptions struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// Client manages the authenticated session against the metering portal
type Client struct {
	http     *resty.Client
	username string
	password string
}

// NewClient creates a portal client with a fresh cookie jar
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Username == "" || opts.Password == "" {
		return nil, &AuthError{Message: "no portal credentials configured"}
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseURL)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	client.SetCookieJar(jar)
	client.SetHeader("User-Agent", defaultUserAgent)
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	client.SetTimeout(opts.Timeout)

	return &Client{
		http:     client,
		username: opts.Username,
		password: opts.Password,
	}, nil
}

// Login authenticates against the portal and returns the landing page
func (c *Client) Login(ctx context.Context) (*Page, error) {
	res, err := c.http.R().SetContext(ctx).Get(loginPath)
	if err != nil {
		return nil, &ServerError{Err: fmt.Errorf("fetching login page: %w", err)}
	}
	if res.StatusCode() >= 500 {
		return nil, &ServerError{StatusCode: res.StatusCode()}
	}

	form, err := parseFormState(string(res.Body()))
	if err != nil {
		return nil, &NavigationError{Message: fmt.Sprintf("login page: %v", err)}
	}

	data := map[string]string(form.clone())
	data["username_txt"] = c.username
	data["password_txt"] = c.password
	data["login_btn"] = "Login"

	res, err = c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetFormData(data).
		Post(loginPath)
	if err != nil {
		return nil, &ServerError{Err: fmt.Errorf("submitting login: %w", err)}
	}
	if res.StatusCode() >= 500 {
		return nil, &ServerError{StatusCode: res.StatusCode()}
	}

	// A successful login redirects to the graphing page
	finalURL := ""
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		finalURL = res.RawResponse.Request.URL.String()
	}
	body := string(res.Body())
	if !strings.Contains(finalURL, graphingPath) && isLoginPage(body) {
		return nil, &AuthError{Message: "login rejected by portal"}
	}

	return newPage(body)
}

// PrevMonth submits the previous-month postback. On session expiry it
// re-authenticates transparently and retries once.
func (c *Client) PrevMonth(ctx context.Context, page *Page) (*Page, error) {
	return c.navigate(ctx, page, "prevMonth_btn", "Prev Month")
}

// NextMonth submits the next-month postback
func (c *Client) NextMonth(ctx context.Context, page *Page) (*Page, error) {
	return c.navigate(ctx, page, "nextMonth_btn", "Next Month")
}

func (c *Client) navigate(ctx context.Context, page *Page, button, label string) (*Page, error) {
	next, err := c.postback(ctx, page.Form, button, label)
	if err != nil {
		return nil, err
	}

	if isLoginPage(next.HTML) {
		// Session expired mid-walk, log back in and replay from the fresh page
		fresh, err := c.Login(ctx)
		if err != nil {
			return nil, err
		}
		next, err = c.postback(ctx, fresh.Form, button, label)
		if err != nil {
			return nil, err
		}
		if isLoginPage(next.HTML) {
			return nil, &AuthError{Message: "session expired and re-login did not stick"}
		}
	}

	if next.Month.IsZero() {
		return nil, &NavigationError{Message: fmt.Sprintf("%s: response has no month header", label)}
	}
	if next.Month == page.Month {
		return nil, &NavigationError{Message: fmt.Sprintf("%s: month did not change from %s", label, page.Month)}
	}
	return next, nil
}

func (c *Client) postback(ctx context.Context, form FormState, button, label string) (*Page, error) {
	data := map[string]string(form.clone())
	data[button] = label
	if _, ok := data["__EVENTTARGET"]; !ok {
		data["__EVENTTARGET"] = ""
	}
	if _, ok := data["__EVENTARGUMENT"]; !ok {
		data["__EVENTARGUMENT"] = ""
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetHeader("Referer", c.http.BaseURL+graphingPath).
		SetFormData(data).
		Post(graphingPath)
	if err != nil {
		return nil, &ServerError{Err: fmt.Errorf("submitting postback: %w", err)}
	}
	if res.StatusCode() >= 500 {
		return nil, &ServerError{StatusCode: res.StatusCode()}
	}
	if res.StatusCode() != 200 {
		return nil, &NavigationError{Message: fmt.Sprintf("postback returned status %d", res.StatusCode())}
	}

	return newPage(string(res.Body()))
}

// SyncToCurrent advances from the landing month to the target month. The
// portal sometimes lands on a stale month after login; walking forward stops
// once the header matches or the next-month button disables.
func (c *Client) SyncToCurrent(ctx context.Context, page *Page, target models.YearMonth) (*Page, error) {
	const maxForward = 12

	for i := 0; i < maxForward; i++ {
		if page.Month == target || !hasEnabledNextButton(page.HTML) {
			return page, nil
		}
		next, err := c.NextMonth(ctx, page)
		if err != nil {
			return nil, err
		}
		page = next
	}
	return page, nil
}

func newPage(html string) (*Page, error) {
	form, err := parseFormState(html)
	if err != nil {
		return nil, &NavigationError{Message: err.Error()}
	}
	return &Page{
		HTML:  html,
		Form:  form,
		Month: extractMonth(html),
	}, nil
}

func parseFormState(html string) (FormState, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	form := make(FormState)
	for _, name := range postbackFields {
		sel := doc.Find(fmt.Sprintf("input[name=%s]", name))
		if sel.Length() > 0 {
			form[name] = sel.AttrOr("value", "")
		}
	}
	if _, ok := form["__VIEWSTATE"]; !ok {
		return nil, fmt.Errorf("page has no __VIEWSTATE field")
	}
	return form, nil
}

func isLoginPage(html string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}
	return doc.Find("input[name=password_txt]").Length() > 0
}

func hasEnabledNextButton(html string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}
	sel := doc.Find("input[name=nextMonth_btn]")
	if sel.Length() == 0 {
		return false
	}
	_, disabled := sel.Attr("disabled")
	return !disabled
}
