package tgui

import "fmt"

// Page is one window over a slice.
type Page[T any] struct {
	Items   []T
	Index   int // 0-based, clamped
	Pages   int
	Total   int
	HasPrev bool
	HasNext bool
}

// Paginate returns page index of items with size items per page. Out of range
// indexes are clamped to the first or last page.
func Paginate[T any](items []T, index, size int) Page[T] {
	if size <= 0 {
		size = 10
	}
	total := len(items)
	pages := (total + size - 1) / size
	if pages == 0 {
		pages = 1
	}
	if index >= pages {
		index = pages - 1
	}
	if index < 0 {
		index = 0
	}
	start := index * size
	end := start + size
	if end > total {
		end = total
	}
	return Page[T]{
		Items:   items[start:end],
		Index:   index,
		Pages:   pages,
		Total:   total,
		HasPrev: index > 0,
		HasNext: end < total,
	}
}

// Label renders "Page 2/5".
func (p Page[T]) Label() string { return fmt.Sprintf("Page %d/%d", p.Index+1, p.Pages) }
