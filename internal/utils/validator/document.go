// Package validator checks documents locally before anything is sent to the
// extraction backend.
package validator

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"

	"github.com/feichai0017/tableforge/internal/models"
	"github.com/feichai0017/tableforge/pkg/logger"
)

const (
	CodeEmptyFile       = "EMPTY_FILE"
	CodeFileTooLarge    = "FILE_TOO_LARGE"
	CodeInvalidFileType = "INVALID_FILE_TYPE"
	CodeInvalidMimeType = "INVALID_MIME_TYPE"
	CodeInvalidPDF      = "INVALID_PDF"
	CodeTooManyPages    = "TOO_MANY_PAGES"

	DefaultMaxFileSize = 10 * 1024 * 1024 // 10MB
)

// DocumentValidator 文档验证器
type DocumentValidator struct {
	logger logger.Logger
	config *ValidatorConfig
}

// ValidatorConfig 验证器配置
type ValidatorConfig struct {
	MaxFileSize  int64               // 最大文件大小（字节）
	AllowedTypes map[string][]string // 允许的文件类型 {扩展名: []MIME类型}
	MaxPageCount int                 // PDF最大页数, 0 表示不检查
}

// ValidationResult 验证结果
type ValidationResult struct {
	IsValid  bool              `json:"isValid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	FileInfo FileInfo          `json:"fileInfo"`
}

// ValidationError 验证错误
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// FileInfo 文件信息
type FileInfo struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
	Extension string `json:"extension"`
	Hash      string `json:"hash"`
	PageCount int    `json:"pageCount,omitempty"`
}

// Error is returned by Validate for a rejected document.
type Error struct {
	Filename string
	Errors   []ValidationError
}

func (e *Error) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.Message)
	}
	return fmt.Sprintf("invalid document %q: %s", e.Filename, strings.Join(msgs, "; "))
}

// Codes lists the error codes in order.
func (e *Error) Codes() []string {
	codes := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		codes = append(codes, ve.Code)
	}
	return codes
}

// ConfigForMIME builds a config accepting the given MIME types under their
// canonical extensions.
func ConfigForMIME(maxFileSize int64, maxPages int, mimeTypes ...string) *ValidatorConfig {
	allowed := make(map[string][]string)
	for _, m := range mimeTypes {
		mt := mimetype.Lookup(m)
		if mt == nil || mt.Extension() == "" {
			continue
		}
		allowed[mt.Extension()] = append(allowed[mt.Extension()], mt.String())
	}
	return &ValidatorConfig{
		MaxFileSize:  maxFileSize,
		AllowedTypes: allowed,
		MaxPageCount: maxPages,
	}
}

// NewDocumentValidator 创建新的文档验证器. A nil config accepts PDFs up to 10MB.
func NewDocumentValidator(log logger.Logger, config *ValidatorConfig) *DocumentValidator {
	if config == nil {
		config = ConfigForMIME(DefaultMaxFileSize, 0, "application/pdf")
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &DocumentValidator{
		logger: log.Named("validator"),
		config: config,
	}
}

// Validate returns a *Error when doc must not be uploaded.
func (v *DocumentValidator) Validate(doc models.Document) error {
	result := v.ValidateDocument(doc)
	if result.IsValid {
		return nil
	}
	v.logger.Warn("Document rejected",
		logger.String("filename", doc.Filename),
		logger.Any("errors", result.Errors))
	return &Error{Filename: doc.Filename, Errors: result.Errors}
}

// ValidateDocument 验证单个文件
func (v *DocumentValidator) ValidateDocument(doc models.Document) *ValidationResult {
	result := &ValidationResult{
		IsValid: true,
		FileInfo: FileInfo{
			Filename:  doc.Filename,
			Size:      doc.Size(),
			Extension: strings.ToLower(filepath.Ext(doc.Filename)),
		},
	}

	if doc.Size() == 0 {
		result.IsValid = false
		result.Errors = append(result.Errors, ValidationError{
			Code:    CodeEmptyFile,
			Message: "File is empty",
			Field:   "size",
		})
		return result
	}

	sum := sha256.Sum256(doc.Content)
	result.FileInfo.Hash = hex.EncodeToString(sum[:])
	detected := mimetype.Detect(doc.Content)
	result.FileInfo.MimeType = detected.String()

	// 基本验证
	if errs := v.performBasicValidation(result.FileInfo); len(errs) > 0 {
		result.IsValid = false
		result.Errors = append(result.Errors, errs...)
	}

	// MIME类型验证
	if errs := v.validateMimeType(result.FileInfo, detected, doc.ContentType); len(errs) > 0 {
		result.IsValid = false
		result.Errors = append(result.Errors, errs...)
	}

	if !result.IsValid {
		return result
	}

	if result.FileInfo.Extension == ".pdf" && v.config.MaxPageCount > 0 {
		pages, errs := v.validatePDF(doc.Content)
		result.FileInfo.PageCount = pages
		if len(errs) > 0 {
			result.IsValid = false
			result.Errors = append(result.Errors, errs...)
		}
	}

	return result
}

// 基本验证
func (v *DocumentValidator) performBasicValidation(fileInfo FileInfo) []ValidationError {
	var errors []ValidationError

	if fileInfo.Size > v.config.MaxFileSize {
		errors = append(errors, ValidationError{
			Code:    CodeFileTooLarge,
			Message: fmt.Sprintf("File size exceeds maximum limit of %d bytes", v.config.MaxFileSize),
			Field:   "size",
		})
	}

	if _, ok := v.config.AllowedTypes[fileInfo.Extension]; !ok {
		errors = append(errors, ValidationError{
			Code:    CodeInvalidFileType,
			Message: fmt.Sprintf("File type %q is not allowed", fileInfo.Extension),
			Field:   "extension",
		})
	}

	return errors
}

// validateMimeType checks both the sniffed content and the declared type
// against the extension's allowed MIME types.
func (v *DocumentValidator) validateMimeType(fileInfo FileInfo, detected *mimetype.MIME, declared string) []ValidationError {
	allowedMimes, ok := v.config.AllowedTypes[fileInfo.Extension]
	if !ok {
		// already reported by performBasicValidation
		return nil
	}

	var errors []ValidationError
	if !matchesAny(detected, allowedMimes) {
		errors = append(errors, ValidationError{
			Code:    CodeInvalidMimeType,
			Message: fmt.Sprintf("Invalid MIME type %s for extension %s", fileInfo.MimeType, fileInfo.Extension),
			Field:   "mimeType",
		})
	}

	if declared = normalizeDeclared(declared); declared != "" && !containsFold(allowedMimes, declared) {
		errors = append(errors, ValidationError{
			Code:    CodeInvalidMimeType,
			Message: fmt.Sprintf("Declared content type %s is not allowed", declared),
			Field:   "contentType",
		})
	}

	return errors
}

// PDF特定验证
func (v *DocumentValidator) validatePDF(content []byte) (pages int, errs []ValidationError) {
	// ledongthuc/pdf panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			pages = 0
			errs = []ValidationError{{
				Code:    CodeInvalidPDF,
				Message: fmt.Sprintf("PDF could not be parsed: %v", r),
				Field:   "content",
			}}
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return 0, []ValidationError{{
			Code:    CodeInvalidPDF,
			Message: fmt.Sprintf("PDF could not be parsed: %v", err),
			Field:   "content",
		}}
	}

	pages = reader.NumPage()
	if pages > v.config.MaxPageCount {
		return pages, []ValidationError{{
			Code:    CodeTooManyPages,
			Message: fmt.Sprintf("PDF has %d pages, maximum is %d", pages, v.config.MaxPageCount),
			Field:   "pageCount",
		}}
	}
	return pages, nil
}

func matchesAny(mt *mimetype.MIME, allowed []string) bool {
	for _, m := range allowed {
		if mt.Is(m) {
			return true
		}
	}
	return false
}

// normalizeDeclared strips parameters; generic binary types count as
// undeclared.
func normalizeDeclared(ct string) string {
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mediaType
	}
	if ct == "application/octet-stream" {
		return ""
	}
	return strings.ToLower(ct)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
