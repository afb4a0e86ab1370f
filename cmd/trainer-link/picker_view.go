package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/rivo/tview"

	"github.com/lowaak/smart-trainer/trainer-link/internal/bt"
)

const pagePicker = "picker"

// pickerModal is the dashboard's device chooser: a list of candidates shown over
// the ride view while a role scans
type pickerModal struct {
	app   *tview.Application
	pages *tview.Pages
	list  *tview.List
	// focus gets keyboard focus back once the modal closes
	focus tview.Primitive

	mu        sync.Mutex
	active    bool
	shown     []bt.Candidate
	onChoose  func(bt.Candidate)
	onDismiss func()
}

func newPickerModal(app *tview.Application, pages *tview.Pages, focus tview.Primitive) *pickerModal {
	p := &pickerModal{
		app:   app,
		pages: pages,
		list:  tview.NewList().ShowSecondaryText(true),
		focus: focus,
	}
	p.list.SetBorder(true)
	p.list.SetSelectedFunc(func(index int, _, _ string, _ rune) { p.selected(index) })
	p.list.SetDoneFunc(p.dismiss)

	pages.AddPage(pagePicker, centered(p.list, 64, 14), true, false)
	return p
}

// picker returns a bt.Picker that shows candidates under title until the rider
// picks one or presses Escape. Only one picker can be open at a time.
func (p *pickerModal) picker(title string) bt.Picker {
	return func(ctx context.Context, lists <-chan []bt.Candidate) (bt.Candidate, error) {
		chosen := make(chan bt.Candidate, 1)
		dismissed := make(chan struct{}, 1)

		p.mu.Lock()
		if p.active {
			p.mu.Unlock()
			return bt.Candidate{}, bt.ErrScanInProgress
		}
		p.active = true
		p.shown = nil
		p.onChoose = func(c bt.Candidate) {
			select {
			case chosen <- c:
			default:
			}
		}
		p.onDismiss = func() {
			select {
			case dismissed <- struct{}{}:
			default:
			}
		}
		p.mu.Unlock()

		p.app.QueueUpdateDraw(func() {
			p.list.SetTitle(fmt.Sprintf(" %s (Enter to connect, Esc to cancel) ", title))
			p.show(nil)
			p.pages.ShowPage(pagePicker)
			p.app.SetFocus(p.list)
		})
		defer p.close()

		for {
			select {
			case <-ctx.Done():
				return bt.Candidate{}, bt.ErrChooserCancelled
			case <-dismissed:
				return bt.Candidate{}, bt.ErrChooserCancelled
			case c := <-chosen:
				return c, nil
			case list := <-lists:
				p.app.QueueUpdateDraw(func() { p.show(list) })
			}
		}
	}
}

// show replaces the list items; runs on the UI goroutine
func (p *pickerModal) show(candidates []bt.Candidate) {
	p.mu.Lock()
	p.shown = candidates
	p.mu.Unlock()

	current := p.list.GetCurrentItem()
	p.list.Clear()
	if len(candidates) == 0 {
		p.list.AddItem("Scanning...", "", 0, nil)
		return
	}
	for _, c := range candidates {
		p.list.AddItem(c.DisplayName(), fmt.Sprintf("%s  RSSI %d  %s", c.Address, c.RSSI, serviceNames(c)), 0, nil)
	}
	if current < len(candidates) {
		p.list.SetCurrentItem(current)
	}
}

func (p *pickerModal) selected(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onChoose != nil && index < len(p.shown) {
		p.onChoose(p.shown[index])
	}
}

func (p *pickerModal) dismiss() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onDismiss != nil {
		p.onDismiss()
	}
}

func (p *pickerModal) close() {
	p.mu.Lock()
	p.active = false
	p.shown = nil
	p.onChoose = nil
	p.onDismiss = nil
	p.mu.Unlock()

	p.app.QueueUpdateDraw(func() {
		p.pages.HidePage(pagePicker)
		p.app.SetFocus(p.focus)
	})
}

// centered wraps p in a fixed-size box in the middle of the screen
func centered(p tview.Primitive, width, height int) tview.Primitive {
	return tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(p, height, 1, true).
			AddItem(nil, 0, 1, false), width, 1, true).
		AddItem(nil, 0, 1, false)
}
