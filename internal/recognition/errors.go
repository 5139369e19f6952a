package recognition

import (
	"errors"

	"github.com/andresmejia3/facefinder/internal/video"
)

var (
	// ErrUnreadableImage means a reference image could not be read or decoded.
	ErrUnreadableImage = errors.New("unreadable reference image")
	// ErrNoFaceDetected means the detector found no face in a reference image.
	ErrNoFaceDetected = errors.New("no face detected")
	// ErrEmptyReferenceSet means no reference image could be added, so the video is never scanned.
	ErrEmptyReferenceSet = errors.New("no reference faces were added")
	// ErrRunFailed wraps every failure that moves a task to the error state.
	ErrRunFailed = errors.New("recognition run failed")
	// ErrVideoUnreadable is the sampler's open failure, re-exported for callers of this package.
	ErrVideoUnreadable = video.ErrVideoUnreadable
)
