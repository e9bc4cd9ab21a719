// Package mount mounts filesystems with guaranteed unmount.
package mount

import (
	"errors"
	"fmt"
)

// Mounter mounts and unmounts filesystems.
type Mounter interface {
	Mount(source, target, fstype string, readOnly bool) error
	Unmount(target string) error
}

// With mounts source on target, runs fn and always unmounts. An unmount
// error is joined with fn's error.
func With(m Mounter, source, target, fstype string, fn func() error) error {
	return with(m, source, target, fstype, false, fn)
}

// WithReadOnly is With for a read-only mount.
func WithReadOnly(m Mounter, source, target, fstype string, fn func() error) error {
	return with(m, source, target, fstype, true, fn)
}

func with(m Mounter, source, target, fstype string, readOnly bool, fn func() error) (err error) {
	if err := m.Mount(source, target, fstype, readOnly); err != nil {
		return fmt.Errorf("mount %s on %s: %w", source, target, err)
	}
	defer func() {
		if unmountErr := m.Unmount(target); unmountErr != nil {
			err = errors.Join(err, fmt.Errorf("unmount %s: %w", target, unmountErr))
		}
	}()
	return fn()
}

// Stack unmounts targets in reverse mount order.
type Stack struct {
	Mounter Mounter
	targets []string
}

// Mount mounts source on target and remembers it for Release.
func (s *Stack) Mount(source, target, fstype string) error {
	if err := s.Mounter.Mount(source, target, fstype, false); err != nil {
		return fmt.Errorf("mount %s on %s: %w", source, target, err)
	}
	s.targets = append(s.targets, target)
	return nil
}

// Release unmounts everything mounted so far, last first, and reports every
// failure.
func (s *Stack) Release() error {
	var errs []error
	for i := len(s.targets) - 1; i >= 0; i-- {
		if err := s.Mounter.Unmount(s.targets[i]); err != nil {
			errs = append(errs, fmt.Errorf("unmount %s: %w", s.targets[i], err))
		}
	}
	s.targets = nil
	return errors.Join(errs...)
}
