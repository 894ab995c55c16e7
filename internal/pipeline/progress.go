package pipeline

import (
	"io"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/dreamware/skytile/internal/ledger"
)

// bars draws one progress bar per stage. A nil *bars draws nothing.
type bars struct {
	p *mpb.Progress
}

func newBars(w io.Writer) *bars {
	return &bars{p: mpb.New(mpb.WithOutput(w))}
}

// stageBar wraps the bar of one stage. A nil *stageBar is a no-op.
type stageBar struct {
	bar *mpb.Bar
}

func (b *bars) add(stage ledger.Stage, total int) *stageBar {
	if b == nil || total == 0 {
		return nil
	}
	bar := b.p.AddBar(int64(total),
		mpb.PrependDecorators(
			decor.Name(string(stage)+":", decor.WC{W: 12}),
			decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(
			decor.Elapsed(decor.ET_STYLE_GO),
			decor.Name(" | "),
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO), "done"),
		),
		mpb.BarRemoveOnComplete(),
	)
	return &stageBar{bar: bar}
}

func (s *stageBar) increment() {
	if s != nil {
		s.bar.Increment()
	}
}

// finish completes the bar on success and aborts it otherwise.
func (s *stageBar) finish(err error) {
	if s == nil {
		return
	}
	if err != nil {
		s.bar.Abort(false)
		return
	}
	s.bar.SetTotal(-1, true)
}

func (b *bars) wait() {
	if b != nil {
		b.p.Wait()
	}
}
