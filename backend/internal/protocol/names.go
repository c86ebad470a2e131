package protocol

// DefaultRoom is the room clients join when none is configured.
const DefaultRoom = "prosemirror"

// Names of the shared types every room carries.
const (
	NameTitle    = "title"    // text
	NameSubtitle = "subtitle" // text
	NamePoster   = "coverPoster"
	NameBody     = "body" // rich fragment
)

// Keys of the poster map.
const (
	PosterURL = "url"
	PosterAlt = "alt"
)
