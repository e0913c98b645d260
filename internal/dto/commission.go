package dto

// CommissionStatementQuery selects won deals closed between From and To, both inclusive.
type CommissionStatementQuery struct {
	From   string `form:"from" validate:"omitempty,datetime=2006-01-02"`
	To     string `form:"to" validate:"omitempty,datetime=2006-01-02"`
	Format string `form:"format" validate:"omitempty,oneof=csv pdf"`
}

// RenderedFile is a generated document ready for download.
type RenderedFile struct {
	Filename    string
	ContentType string
	Body        []byte
}
