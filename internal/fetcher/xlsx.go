package fetcher

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Sheet is one worksheet read from an XLSX workbook.
type Sheet struct {
	Name string
	Rows [][]string
}

// ReadXLSX reads every worksheet of an XLSX workbook. Trailing empty cells
// are trimmed from each row and fully empty rows are dropped, which keeps
// pricing schedules and room-block grids compact.
func ReadXLSX(path string) ([]Sheet, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}

	sheets := make([]Sheet, 0, len(f.Sheets))
	for _, sh := range f.Sheets {
		s := Sheet{Name: sh.Name}
		for _, row := range sh.Rows {
			if row == nil {
				continue
			}
			if cells := rowToStrings(row); len(cells) > 0 {
				s.Rows = append(s.Rows, cells)
			}
		}
		sheets = append(sheets, s)
	}
	return sheets, nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	last := -1
	for j, cell := range row.Cells {
		cells[j] = cell.String()
		if cells[j] != "" {
			last = j
		}
	}
	return cells[:last+1]
}
