// Package tgui holds the small chat UI helpers shared by the admin and client
// handlers: HTML escaping for ParseMode "HTML", a message builder, inline
// keyboards over transport.Keyboard, colon separated callback data and slice
// pagination.
package tgui
