package fileserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/chatroom/internal/logger"
)

var (
	ErrTooLarge = errors.New("file too large")
	ErrBlocked  = errors.New("file type not allowed")
	ErrEmpty    = errors.New("file is empty")
	ErrNotFound = errors.New("file not found")
)

// Executables, scripts and markup a browser would render on our origin are refused
// by extension and by sniffed content.
var BlockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true, ".msi": true, ".dll": true,
	".com": true, ".scr": true, ".ps1": true, ".jar": true, ".apk": true,
	".html": true, ".htm": true, ".xhtml": true, ".svg": true, ".svgz": true,
	".xml": true, ".xsl": true, ".mht": true, ".mhtml": true,
}

var blockedMIME = []string{
	"application/x-executable",
	"application/x-elf",
	"application/x-mach-binary",
	"application/vnd.microsoft.portable-executable",
	"application/x-msdownload",
	"application/x-sh",
	"application/x-shellscript",
	"text/x-shellscript",
	"text/x-php",
	"text/x-python",
	"application/x-python",
	"text/javascript",
	"application/javascript",
	"application/java-archive",
	"application/vnd.android.package-archive",
	"text/html",
	"application/xhtml+xml",
	"image/svg+xml",
	"text/xml",
	"application/xml",
}

type UploadResponse struct {
	URL         string `json:"url"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type"`
}

// Service stores uploads on local disk under random names.
type Service struct {
	UploadDir     string
	MaxUploadSize int64
	// BaseURL prefixes the returned URL; empty yields a relative /uploads/... path.
	BaseURL string
}

func New(uploadDir string, maxUploadSize int64, baseURL string) *Service {
	return &Service{UploadDir: uploadDir, MaxUploadSize: maxUploadSize, BaseURL: strings.TrimSuffix(baseURL, "/")}
}

// Inline reports whether a served file may be displayed by the browser rather than
// downloaded: only images, audio and video.
func Inline(contentType string) bool {
	for _, prefix := range []string{"image/", "audio/", "video/"} {
		if strings.HasPrefix(contentType, prefix) {
			return !strings.HasPrefix(contentType, "image/svg")
		}
	}
	return false
}

func blocked(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		for _, b := range blockedMIME {
			if m.Is(b) {
				return true
			}
		}
	}
	return false
}

// Save checks the name and sniffed content of src, then writes it to the upload dir.
func (s *Service) Save(ctx context.Context, src io.Reader, filename string) (*UploadResponse, error) {
	defer logger.DeferLogDuration("fileserver.Save", time.Now())()

	// some clients encode spaces in multipart names as '+'
	rawName := strings.ReplaceAll(filename, "+", " ")
	ext := strings.ToLower(filepath.Ext(rawName))
	if BlockedExt[ext] {
		return nil, ErrBlocked
	}

	head := make([]byte, 3072)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("fileserver.Save read: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return nil, ErrEmpty
	}
	mt := mimetype.Detect(head)
	if blocked(mt) {
		return nil, ErrBlocked
	}
	if ext == "" {
		ext = mt.Extension()
	}

	if err := os.MkdirAll(s.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("fileserver.Save mkdir: %w", err)
	}
	name := uuid.New().String() + ext
	path := filepath.Join(s.UploadDir, name)
	dst, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("fileserver.Save create: %w", err)
	}

	limit := s.MaxUploadSize - int64(n)
	written, err := copyWithContext(ctx, dst, io.MultiReader(bytes.NewReader(head), io.LimitReader(src, limit+1)))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err == nil && written > s.MaxUploadSize {
		err = ErrTooLarge
	}
	if err != nil {
		os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("fileserver.Save write: %w", err)
	}

	display := safeFilename(filepath.Base(rawName))
	if display == "" || display == "." {
		display = name
	}
	return &UploadResponse{
		URL:         s.BaseURL + "/uploads/" + name,
		FileName:    display,
		FileSize:    written,
		ContentType: mt.String(),
	}, nil
}

// Open returns a stored upload. name is reduced to its base so callers cannot escape UploadDir.
func (s *Service) Open(name string) (*os.File, os.FileInfo, error) {
	name = filepath.Base(name)
	if name == "." || name == "/" || strings.HasPrefix(name, ".") {
		return nil, nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.UploadDir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("fileserver.Open: %w", err)
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		f.Close()
		return nil, nil, ErrNotFound
	}
	return f, info, nil
}

// ContentType sniffs the stored file; it falls back to the extension table.
func ContentType(f io.ReadSeeker) string {
	mt, err := mimetype.DetectReader(f)
	if _, serr := f.Seek(0, io.SeekStart); serr != nil || err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}

// safeFilename drops control characters, quotes and path separators; UTF-8 is kept.
func safeFilename(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\r', '\n', '"', '\\', '/', '\x00':
			continue
		}
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// SafeFilename is safeFilename for Content-Disposition headers.
func SafeFilename(s string) string { return safeFilename(s) }

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, fmt.Errorf("upload cancelled: %w", ctx.Err())
		default:
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return total, fmt.Errorf("write: %w", err)
			}
			total += int64(n)
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("read: %w", readErr)
		}
	}
}
