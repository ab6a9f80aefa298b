package statement

import (
	"context"
	"fmt"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/uplink/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// Renderer turns a commission statement into a printable document.
type Renderer interface {
	Render(ctx context.Context, stmt *ledgerdomain.Statement) ([]byte, error)
}

type Params struct {
	fx.In

	Log *zap.Logger
}

type PDFRenderer struct {
	log *zap.Logger
}

func New(p Params) Renderer {
	return &PDFRenderer{log: p.Log.Named("statement.pdf")}
}

func (r *PDFRenderer) Render(ctx context.Context, stmt *ledgerdomain.Statement) ([]byte, error) {
	if stmt == nil || stmt.Distributor == nil {
		return nil, fmt.Errorf("statement: missing distributor")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(12,
		text.NewCol(12, "Commission statement", props.Text{
			Size:  18,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	d := stmt.Distributor
	m.AddRow(20,
		col.New(6).Add(
			text.New(d.Name, props.Text{Style: fontstyle.Bold}),
			text.New("Code: "+d.Code, props.Text{Top: 5}),
			text.New("Rank: "+d.Rank, props.Text{Top: 10}),
		),
		col.New(6).Add(
			text.New("Period: "+period(stmt.From, stmt.To), props.Text{Align: align.Right}),
			text.New("Generated: "+stmt.GeneratedAt.UTC().Format(time.RFC3339), props.Text{Top: 5, Align: align.Right}),
		),
	)

	m.AddRow(10,
		text.NewCol(2, "Date", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, "Sale", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(1, "Level", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(1, "Rate", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(1, "Kind", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Base", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	for _, e := range stmt.Entries {
		m.AddRow(6,
			text.NewCol(2, e.ComputedAt.UTC().Format(dateLayout), props.Text{Size: 8}),
			text.NewCol(3, e.SaleID.String(), props.Text{Size: 8}),
			text.NewCol(1, fmt.Sprintf("%d", e.Level), props.Text{Size: 8, Align: align.Right}),
			text.NewCol(1, e.Percent+"%", props.Text{Size: 8, Align: align.Right}),
			text.NewCol(1, string(e.Kind), props.Text{Size: 8}),
			text.NewCol(2, Money(e.BaseAmount, e.Currency), props.Text{Size: 8, Align: align.Right}),
			text.NewCol(2, Money(e.Amount, e.Currency), props.Text{Size: 8, Align: align.Right}),
		)
	}
	if len(stmt.Entries) == 0 {
		m.AddRow(8, text.NewCol(12, "No commission in this period.", props.Text{Size: 9, Top: 2}))
	}

	for _, total := range stmt.Totals {
		m.AddRow(8,
			col.New(8),
			text.NewCol(2, "Total "+total.Currency, props.Text{Style: fontstyle.Bold, Size: 9, Top: 2}),
			text.NewCol(2, Money(total.Amount, total.Currency), props.Text{Style: fontstyle.Bold, Size: 9, Top: 2, Align: align.Right}),
		)
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, fmt.Errorf("statement: generate: %w", err)
	}
	r.log.Debug("statement rendered",
		zap.String("distributor_id", d.ID.String()),
		zap.Int("entries", len(stmt.Entries)),
	)
	return doc.GetBytes(), nil
}

// Money formats minor units with two decimals.
func Money(minor int64, currency string) string {
	return decimal.New(minor, -2).StringFixed(2) + " " + currency
}

func period(from, to *time.Time) string {
	start, end := "beginning", "now"
	if from != nil {
		start = from.UTC().Format(dateLayout)
	}
	if to != nil {
		end = to.UTC().Format(dateLayout)
	}
	return start + " to " + end
}
