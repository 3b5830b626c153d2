// Package logs — глобальный logrus-логгер процесса.
package logs

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger до Init — дефолтный logrus, leaf-пакеты могут логировать
// в тестах без инициализации.
var Logger = logrus.New()

// Options — параметры инициализации.
type Options struct {
	Level  string // trace|debug|info|warning|error|fatal
	Format string // text|json
	File   string // префикс файла; пусто — только stdout
}

// Init собирает логгер по опциям и подменяет глобальный. Ошибка уровня
// не фатальна, остаёмся на info.
func Init(opts Options) {
	l := logrus.New()

	if lvl, err := logrus.ParseLevel(opts.Level); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}

	if opts.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	l.SetOutput(output(l, opts.File))
	Logger = l
}

// output — stdout, при заданном префиксе плюс файл с таймстампом запуска
// в имени (один файл на запуск процесса, без ротации).
func output(l *logrus.Logger, prefix string) io.Writer {
	if prefix == "" {
		return os.Stdout
	}
	name := fmt.Sprintf("%s_%s.log", prefix, time.Now().Format("2006-01-02_15-04-05"))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		l.Fatalf("failed to open log file %s: %v", name, err)
	}
	return io.MultiWriter(f, os.Stdout)
}
