package portal

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"powerscraper/pkg/models"
)

// DayValue is one parsed (date, kWh) pair
type DayValue struct {
	Date time.Time
	KWh  float64
}

// MonthData is the normalized content of one month's graphing page. Days is
// ordered by date ascending and may be shorter than the month for the
// current, incomplete month. An empty Days slice means the portal published
// no data for the month, which is distinct from an error.
type MonthData struct {
	Month       models.YearMonth
	Location    string
	Days        []DayValue
	SkippedRows int
	Reading     *models.MeterReading
}

// Total returns the sum of all parsed daily values
func (m *MonthData) Total() float64 {
	var sum float64
	for _, d := range m.Days {
		sum += d.KWh
	}
	return sum
}

// The consumption chart is rendered client side, the page embeds the series
// as javascript literals. These mirror the structures emitted by the portal.
var (
	chartTitleRe = regexp.MustCompile(`text:\s*'([^']*Daily Consumption[^']*)'`)
	monthRe      = regexp.MustCompile(`Daily Consumption During\s+(\w+)\s+(\d{4})`)
	locationRe   = regexp.MustCompile(`for\s+(.+)$`)
	subtitleRe   = regexp.MustCompile(`subtitle:\s*{\s*text:\s*'([^']*)'`)
	readingRe    = regexp.MustCompile(`Reading as of (.+?) is ([\d.]+)\s*kWh`)
	categoriesRe = regexp.MustCompile(`(?s)categories:\s*\[(.*?)\]`)
	seriesRe     = regexp.MustCompile(`(?s)name:\s*'Daily Consumption',\s*data:\s*\[(.*?)\]`)
	quotedRe     = regexp.MustCompile(`'([^']*)'`)
	pointValueRe = regexp.MustCompile(`y:\s*(-?[\d.]+)`)
)

// Parse extracts the consumption series from a graphing page
func Parse(page *Page) (*MonthData, error) {
	return ParseHTML(page.HTML)
}

// ParseHTML extracts the consumption series from raw page HTML
func ParseHTML(html string) (*MonthData, error) {
	month := extractMonth(html)
	if month.IsZero() {
		return nil, &NavigationError{Message: "page has no month header"}
	}

	data := &MonthData{
		Month:    month,
		Location: extractLocation(html),
	}
	data.Reading = extractReading(html, data.Location)

	dates := extractDates(html)
	values, skippedValues := extractValues(html)
	data.SkippedRows += skippedValues

	n := len(dates)
	if len(values) < n {
		n = len(values)
	}
	// Mismatched tails count as skipped rather than failing the page
	data.SkippedRows += len(dates) - n + len(values) - n

	for i := 0; i < n; i++ {
		date, err := parseDayDate(dates[i], month.Year)
		if err != nil {
			data.SkippedRows++
			continue
		}
		data.Days = append(data.Days, DayValue{Date: date, KWh: values[i]})
	}

	sort.Slice(data.Days, func(i, j int) bool {
		return data.Days[i].Date.Before(data.Days[j].Date)
	})

	return data, nil
}

// extractMonth pulls the displayed month from the page title, returning the
// zero value when the header is missing
func extractMonth(html string) models.YearMonth {
	m := monthRe.FindStringSubmatch(html)
	if m == nil {
		return models.YearMonth{}
	}
	month, err := time.Parse("January", m[1])
	if err != nil {
		return models.YearMonth{}
	}
	year, err := strconv.Atoi(m[2])
	if err != nil {
		return models.YearMonth{}
	}
	return models.YearMonth{Year: year, Month: month.Month()}
}

func extractLocation(html string) string {
	t := chartTitleRe.FindStringSubmatch(html)
	if t == nil {
		return ""
	}
	loc := locationRe.FindStringSubmatch(t[1])
	if loc == nil {
		return ""
	}
	return strings.TrimSpace(loc[1])
}

// extractReading pulls the cumulative meter value from the chart subtitle,
// e.g. "Reading as of Monday, 2 March 2026 is 48123.5 kWh"
func extractReading(html, location string) *models.MeterReading {
	s := subtitleRe.FindStringSubmatch(html)
	if s == nil {
		return nil
	}
	r := readingRe.FindStringSubmatch(s[1])
	if r == nil {
		return nil
	}
	date, err := time.Parse("Monday, 2 January 2006", r[1])
	if err != nil {
		return nil
	}
	value, err := strconv.ParseFloat(r[2], 64)
	if err != nil {
		return nil
	}
	return &models.MeterReading{
		Date:     date,
		Value:    value,
		Unit:     "kWh",
		Location: location,
	}
}

func extractDates(html string) []string {
	m := categoriesRe.FindStringSubmatch(html)
	if m == nil {
		return nil
	}
	var dates []string
	for _, q := range quotedRe.FindAllStringSubmatch(m[1], -1) {
		if q[1] != "" && strings.Contains(q[1], "/") {
			dates = append(dates, q[1])
		}
	}
	return dates
}

// extractValues parses the series data. Points are either bare numbers or
// objects like {y: 12.4, color: '#ff0000'}. Malformed points are counted,
// never fatal.
func extractValues(html string) (values []float64, skipped int) {
	m := seriesRe.FindStringSubmatch(html)
	if m == nil {
		return nil, 0
	}

	for _, item := range splitPoints(m[1]) {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.HasPrefix(item, "{") {
			y := pointValueRe.FindStringSubmatch(item)
			if y == nil {
				skipped++
				continue
			}
			v, err := strconv.ParseFloat(y[1], 64)
			if err != nil {
				skipped++
				continue
			}
			values = append(values, v)
			continue
		}
		v, err := strconv.ParseFloat(item, 64)
		if err != nil {
			skipped++
			continue
		}
		values = append(values, v)
	}
	return values, skipped
}

// splitPoints splits the series literal on commas outside object braces
func splitPoints(s string) []string {
	var (
		parts []string
		depth int
		start int
	)
	for i, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// parseDayDate parses a category label like "05/Mar" using the page's year
func parseDayDate(label string, year int) (time.Time, error) {
	label = strings.TrimSpace(label)
	if t, err := time.Parse("02/Jan/2006", label); err == nil {
		return t, nil
	}
	t, err := time.Parse("02/Jan/2006", fmt.Sprintf("%s/%d", label, year))
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing day label %q: %w", label, err)
	}
	return t, nil
}
