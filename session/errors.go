package session

import "errors"

var (
	ErrTorrentAlreadyAdded = errors.New("session: torrent already added")
	ErrTorrentNotFound     = errors.New("session: torrent not found")
	ErrAtCapacity          = errors.New("session: at connection capacity")
)
