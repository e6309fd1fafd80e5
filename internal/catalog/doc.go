// Package catalog holds the portal's training modules.
//
// Modules are markdown files embedded from modules/. The file name prefix is
// the module id, the first heading is the title, and the bullet list under
// "Key points" becomes KeyPoints. Content is rendered to HTML once at load.
package catalog
