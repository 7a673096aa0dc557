// Package thumbnail renders, stores and serves small previews of media.
//
// Lookups try a bounded in-memory layer first and then the persistent store.
// Memory entries hold a lease on the thumbnail's display URL and release it
// when evicted, oldest insertion first. A returned URL is therefore only
// guaranteed servable while its entry is cached plus the pool's grace period.
//
// Images are decoded with the standard library plus golang.org/x/image
// (webp, bmp, tiff), rotated per their EXIF orientation and resized so the
// longer side equals MaxDimension. Video poster frames come from a
// FrameGrabber; FFmpegGrabber uses ffprobe and ffmpeg.
package thumbnail
