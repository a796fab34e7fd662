package tiebreak

import "fmt"

// Draw is stored as a game's winner when the board fills up with no line.
// It is reserved and can never be a username.
const Draw = "draw"

const (
	tictactoeSide  = 3
	tictactoeCells = tictactoeSide * tictactoeSide

	connect4Rows  = 6
	connect4Cols  = 7
	connect4Cells = connect4Rows * connect4Cols
	connect4Run   = 4
)

// Board is the ordered list of cells of one game, row-major. A nil cell is
// empty, otherwise it holds the username that marked it.
type Board []*string

// Size returns the number of cells of a board for gt, or 0 for an unknown
// game type.
func Size(gt GameType) int {
	switch gt {
	case TicTacToe:
		return tictactoeCells
	case Connect4:
		return connect4Cells
	}
	return 0
}

// Columns returns the width of a board for gt.
func Columns(gt GameType) int {
	switch gt {
	case TicTacToe:
		return tictactoeSide
	case Connect4:
		return connect4Cols
	}
	return 0
}

// NewBoard returns an empty board for gt.
func NewBoard(gt GameType) Board {
	return make(Board, Size(gt))
}

// At returns the owner of cell i and whether the cell is occupied.
func (b Board) At(i int) (string, bool) {
	if i < 0 || i >= len(b) || b[i] == nil {
		return "", false
	}
	return *b[i], true
}

// Filled returns the number of occupied cells.
func (b Board) Filled() int {
	n := 0
	for _, c := range b {
		if c != nil {
			n++
		}
	}
	return n
}

// Full reports whether every cell is occupied.
func (b Board) Full() bool {
	return len(b) > 0 && b.Filled() == len(b)
}

// Clone returns a copy that shares no backing array with b.
func (b Board) Clone() Board {
	out := make(Board, len(b))
	copy(out, b)
	return out
}

// IsValidMove reports whether position is playable on b. For tictactoe the
// position is a cell that must be empty, for connect4 it is a column that
// must have room left. It never panics.
func IsValidMove(b Board, gt GameType, position int) bool {
	if Size(gt) == 0 || len(b) != Size(gt) {
		return false
	}

	switch gt {
	case TicTacToe:
		return position >= 0 && position < tictactoeCells && b[position] == nil
	case Connect4:
		return dropCell(b, position) >= 0
	}
	return false
}

// dropCell returns the cell a connect4 piece lands in when dropped into col,
// or -1 when the column is full or out of range.
func dropCell(b Board, col int) int {
	if col < 0 || col >= connect4Cols {
		return -1
	}
	for row := connect4Rows - 1; row >= 0; row-- {
		if b[row*connect4Cols+col] == nil {
			return row*connect4Cols + col
		}
	}
	return -1
}

// ApplyMove marks position for player and returns the new board together
// with the cell that was written. The input board is left untouched.
func ApplyMove(b Board, gt GameType, position int, player string) (Board, int, error) {
	if player == "" {
		return nil, -1, Wrap(KindValidation, CodeInvalidMove, "invalid move", fmt.Errorf("empty player"))
	}
	if !IsValidMove(b, gt, position) {
		return nil, -1, WithMetadata(KindValidation, CodeInvalidMove,
			fmt.Sprintf("position %d is not playable in %s", position, gt),
			map[string]string{"position": fmt.Sprint(position), "game_type": string(gt)})
	}

	cell := position
	if gt == Connect4 {
		cell = dropCell(b, position)
	}

	out := b.Clone()
	mark := player
	out[cell] = &mark
	return out, cell, nil
}

// CheckWinner looks for a completed line. It returns the winning player, or
// Draw when the board is full without one. The bool is false while the game
// is still open.
func CheckWinner(b Board, gt GameType, player1, player2 string) (string, bool) {
	lines := winningLines(gt)
	if lines == nil || len(b) != Size(gt) {
		return "", false
	}

	for _, p := range []string{player1, player2} {
		if p == "" {
			continue
		}
		for _, line := range lines {
			if owns(b, line, p) {
				return p, true
			}
		}
	}

	if b.Full() {
		return Draw, true
	}
	return "", false
}

func owns(b Board, line []int, player string) bool {
	for _, i := range line {
		if b[i] == nil || *b[i] != player {
			return false
		}
	}
	return true
}

func winningLines(gt GameType) [][]int {
	switch gt {
	case TicTacToe:
		return tictactoeLines
	case Connect4:
		return connect4Lines
	}
	return nil
}

var tictactoeLines = [][]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

var connect4Lines = buildConnect4Lines()

// buildConnect4Lines enumerates every run of four: horizontal, vertical, and
// both diagonals.
func buildConnect4Lines() [][]int {
	var lines [][]int
	run := func(row, col, dr, dc int) {
		line := make([]int, 0, connect4Run)
		for i := 0; i < connect4Run; i++ {
			r, c := row+dr*i, col+dc*i
			if r < 0 || r >= connect4Rows || c < 0 || c >= connect4Cols {
				return
			}
			line = append(line, r*connect4Cols+c)
		}
		lines = append(lines, line)
	}

	for row := 0; row < connect4Rows; row++ {
		for col := 0; col < connect4Cols; col++ {
			run(row, col, 0, 1)
			run(row, col, 1, 0)
			run(row, col, 1, 1)
			run(row, col, 1, -1)
		}
	}
	return lines
}
