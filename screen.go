package skylink

import (
	"context"
	"io"
	"time"

	"github.com/enescakir/emoji"
	"github.com/kataras/tablewriter"
	"github.com/lensesio/tableprinter"
)

type identityRow struct {
	Name      string `header:"commander"`
	Active    string `header:"active"`
	Heartbeat string `header:"heartbeat"`
	Auth      string `header:"auth"`
}

// PrintIdentitiesForever prints the identity table every interval until
// ctx is done.
func PrintIdentitiesForever(ctx context.Context, w io.Writer, interval time.Duration, source StatusSource) {
	for {
		PrintIdentities(w, source(ctx))
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}
	}
}

// PrintIdentities renders one table row per known commander.
func PrintIdentities(w io.Writer, status AgentStatus) {
	rows := make([]identityRow, 0, len(status.Identities))
	for _, identity := range status.Identities {
		row := identityRow{
			Name:      identity.Name.String(),
			Heartbeat: heartbeatGlyph(identity.Heartbeat),
			Auth:      emoji.Parse(":white_check_mark:"),
		}
		if identity.Active {
			row.Active = emoji.Parse(":rocket:")
		}
		if identity.AuthFailed {
			row.Auth = emoji.Parse(":no_entry:")
		}
		rows = append(rows, row)
	}

	printer := tableprinter.New(w)
	printer.BorderTop, printer.BorderBottom, printer.BorderLeft, printer.BorderRight = true, true, true, true
	printer.CenterSeparator = "│"
	printer.ColumnSeparator = "│"
	printer.RowSeparator = "─"
	printer.HeaderBgColor = tablewriter.BgBlackColor
	printer.HeaderFgColor = tablewriter.FgGreenColor
	printer.Print(rows)
}

func heartbeatGlyph(state HeartbeatState) string {
	switch state {
	case HeartbeatOK:
		return emoji.Parse(":green_heart: ok")
	case HeartbeatAuthFailed:
		return emoji.Parse(":no_entry: auth")
	case HeartbeatHTTPFailed:
		return emoji.Parse(":warning: http")
	case HeartbeatNetworkFailed:
		return emoji.Parse(":electric_plug: network")
	default:
		return "-"
	}
}
