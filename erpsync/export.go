package erpsync

import (
	"fmt"
	"io"

	"github.com/mmdatafocus/parking_backend/models"
	"github.com/mmdatafocus/parking_backend/utils"
	"github.com/xuri/excelize/v2"
)

const errorsSheet = "Errors"

var errorColumns = []string{"Direction", "UniqueKey", "Outcome", "Reason", "Message", "Retryable", "Payload", "CreatedAt"}

// WriteRunErrorsXLSX writes the row errors of a run as a spreadsheet.
func WriteRunErrorsXLSX(w io.Writer, run models.SyncRun, rows []models.SyncRunError) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", errorsSheet); err != nil {
		return err
	}
	for i, name := range errorColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(errorsSheet, cell, name)
	}
	for i, r := range rows {
		row := i + 2
		f.SetCellValue(errorsSheet, "A"+fmt.Sprint(row), r.Direction)
		f.SetCellValue(errorsSheet, "B"+fmt.Sprint(row), r.UniqueKey)
		f.SetCellValue(errorsSheet, "C"+fmt.Sprint(row), r.Outcome)
		f.SetCellValue(errorsSheet, "D"+fmt.Sprint(row), r.ReasonCode)
		f.SetCellValue(errorsSheet, "E"+fmt.Sprint(row), r.Message)
		f.SetCellValue(errorsSheet, "F"+fmt.Sprint(row), r.Retryable)
		f.SetCellValue(errorsSheet, "G"+fmt.Sprint(row), string(r.PayloadJSON))
		f.SetCellValue(errorsSheet, "H"+fmt.Sprint(row), r.CreatedAt)
	}

	summary := "Run"
	if _, err := f.NewSheet(summary); err != nil {
		return err
	}
	stats := run.Stats.Data()
	f.SetCellValue(summary, "A1", "RunId")
	f.SetCellValue(summary, "B1", run.ID)
	f.SetCellValue(summary, "A2", "IntegrationId")
	f.SetCellValue(summary, "B2", run.IntegrationId)
	f.SetCellValue(summary, "A3", "Status")
	f.SetCellValue(summary, "B3", run.Status)
	f.SetCellValue(summary, "A4", "StartedAt")
	f.SetCellValue(summary, "B4", run.StartedAt)
	f.SetCellValue(summary, "A10", "CompletedAt")
	if completed := utils.DereferencePtr(run.CompletedAt); !completed.IsZero() {
		f.SetCellValue(summary, "B10", completed)
	}
	f.SetCellValue(summary, "A5", "Total")
	f.SetCellValue(summary, "B5", stats.ErpToLocal.Total)
	f.SetCellValue(summary, "A6", "Created")
	f.SetCellValue(summary, "B6", stats.ErpToLocal.Created)
	f.SetCellValue(summary, "A7", "Updated")
	f.SetCellValue(summary, "B7", stats.ErpToLocal.Updated)
	f.SetCellValue(summary, "A8", "Skipped")
	f.SetCellValue(summary, "B8", stats.ErpToLocal.Skipped)
	f.SetCellValue(summary, "A9", "Errors")
	f.SetCellValue(summary, "B9", stats.ErpToLocal.Errors)

	return f.Write(w)
}
