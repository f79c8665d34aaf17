package tgui

import kit "relaybot/internal/transport"

// Inline builds an inline keyboard row by row.
type Inline struct {
	rows kit.Keyboard
}

func NewInline() *Inline { return &Inline{} }

// Row appends a row. Empty rows are skipped.
func (i *Inline) Row(btn ...kit.Button) *Inline {
	if len(btn) > 0 {
		i.rows = append(i.rows, btn)
	}
	return i
}

// Grid appends buttons split into rows of cols.
func (i *Inline) Grid(cols int, btn ...kit.Button) *Inline {
	if cols <= 0 {
		cols = 1
	}
	for len(btn) > 0 {
		n := cols
		if n > len(btn) {
			n = len(btn)
		}
		i.rows = append(i.rows, append([]kit.Button(nil), btn[:n]...))
		btn = btn[n:]
	}
	return i
}

func (i *Inline) Keyboard() kit.Keyboard {
	if i == nil || len(i.rows) == 0 {
		return nil
	}
	return i.rows
}

func Btn(text, data string) kit.Button { return kit.Button{Text: text, Data: data} }

// Confirm is the two button yes/no keyboard.
func Confirm(yes, no kit.Button) kit.Keyboard { return NewInline().Row(yes, no).Keyboard() }
