package portal

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"powerscraper/pkg/models"
)

// monthPageHTML renders a graphing page the way the portal does: an ASP.NET
// form with hidden state plus the consumption chart embedded as javascript.
func monthPageHTML(month models.YearMonth, values []float64, viewstate string, nextEnabled bool) string {
	var dates, points []string
	for i, v := range values {
		day := time.Date(month.Year, month.Month, i+1, 0, 0, 0, 0, time.UTC)
		dates = append(dates, fmt.Sprintf("'%s'", day.Format("02/Jan")))
		if i%5 == 4 {
			points = append(points, fmt.Sprintf("{y: %.2f, color: '#d9534f'}", v))
		} else {
			points = append(points, fmt.Sprintf("%.2f", v))
		}
	}

	nextAttr := ""
	if !nextEnabled {
		nextAttr = ` disabled="disabled"`
	}

	return fmt.Sprintf(`<html><head><title>Graphing</title>
<script type="text/javascript">
$(function () {
    $('#container').highcharts({
        title: { text: 'Daily Consumption During %s %d for Unit 12' },
        subtitle: { text: 'Reading as of Monday, 9 %s %d is 48123.5 kWh' },
        xAxis: { categories: [%s] },
        series: [{ name: 'Daily Consumption', data: [%s] }]
    });
});
</script></head>
<body>
<form method="post" action="graphing.aspx" id="form1">
<input type="hidden" name="__VIEWSTATE" value="%s" />
<input type="hidden" name="__VIEWSTATEGENERATOR" value="CA0B0334" />
<input type="hidden" name="__EVENTVALIDATION" value="ev-%s" />
<input type="submit" name="prevMonth_btn" value="Prev Month" />
<input type="submit" name="nextMonth_btn" value="Next Month"%s />
</form>
</body></html>`,
		month.Month, month.Year, month.Month, month.Year,
		strings.Join(dates, ", "), strings.Join(points, ", "),
		viewstate, viewstate, nextAttr)
}

func TestParseFullMonth(t *testing.T) {
	month := models.YearMonth{Year: 2026, Month: time.January}
	values := make([]float64, 31)
	for i := range values {
		values[i] = 10 + float64(i)
	}

	data, err := ParseHTML(monthPageHTML(month, values, "vs-1", true))
	require.NoError(t, err)

	require.Equal(t, month, data.Month)
	require.Equal(t, "Unit 12", data.Location)
	require.Len(t, data.Days, 31)
	require.Equal(t, 0, data.SkippedRows)

	// Ordered ascending, values aligned with their dates
	for i, day := range data.Days {
		require.Equal(t, time.Date(2026, time.January, i+1, 0, 0, 0, 0, time.UTC), day.Date)
		require.InDelta(t, 10+float64(i), day.KWh, 0.001)
	}

	require.NotNil(t, data.Reading)
	require.InDelta(t, 48123.5, data.Reading.Value, 0.001)
	require.Equal(t, time.Date(2026, time.January, 9, 0, 0, 0, 0, time.UTC), data.Reading.Date)
	require.Equal(t, "kWh", data.Reading.Unit)
}

func TestParsePartialMonth(t *testing.T) {
	// The current month legitimately has fewer days than the calendar month
	month := models.YearMonth{Year: 2026, Month: time.March}
	data, err := ParseHTML(monthPageHTML(month, []float64{30, 30, 30}, "vs-1", false))
	require.NoError(t, err)
	require.Len(t, data.Days, 3)
	require.InDelta(t, 90, data.Total(), 0.001)
}

func TestParseEmptyMonth(t *testing.T) {
	// No published data is a valid page, distinct from an error
	month := models.YearMonth{Year: 2024, Month: time.June}
	data, err := ParseHTML(monthPageHTML(month, nil, "vs-1", true))
	require.NoError(t, err)
	require.Empty(t, data.Days)
}

func TestParseSkipsMalformedRows(t *testing.T) {
	html := `<html><body>
<script>
    title: { text: 'Daily Consumption During February 2026 for Unit 12' },
    xAxis: { categories: ['01/Feb', 'garbage/day', '03/Feb', '04/Feb'] },
    series: [{ name: 'Daily Consumption', data: [12.5, 8.0, not-a-number, {color: '#fff'}] }]
</script>
<form><input type="hidden" name="__VIEWSTATE" value="vs" /></form>
</body></html>`

	data, err := ParseHTML(html)
	require.NoError(t, err)

	// Only the first pair survives: the bad value and the objectless point
	// are skipped, the two unpaired trailing dates are skipped, and the
	// unparseable date label drops its paired value too
	require.Len(t, data.Days, 1)
	require.InDelta(t, 12.5, data.Days[0].KWh, 0.001)
	require.Equal(t, 5, data.SkippedRows)
}

func TestParseMissingMonthHeader(t *testing.T) {
	_, err := ParseHTML(`<html><body><p>maintenance</p></body></html>`)
	var navErr *NavigationError
	require.ErrorAs(t, err, &navErr)
}

func TestParseDayDateWithEmbeddedYear(t *testing.T) {
	d, err := parseDayDate("05/Mar/2026", 2020)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, time.March, 5, 0, 0, 0, 0, time.UTC), d)
}
