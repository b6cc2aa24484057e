package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clinic/desk/internal/domain/availability"
	"github.com/clinic/desk/internal/domain/booking"
	"github.com/clinic/desk/internal/domain/scheduling"
	"github.com/clinic/desk/internal/domain/selection"
	"github.com/clinic/desk/internal/platform/auth"
	"github.com/clinic/desk/internal/platform/wallclock"
)

// slotFlags are the selection filters shared by the availability and
// booking commands.
type slotFlags struct {
	clinicType string
	specialty  string
	clinic     string
	doctors    []string
	date       string
	start      string
}

func (f *slotFlags) bindFilters(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.clinicType, "type", "", "Clinic type: gp or specialist")
	cmd.Flags().StringVar(&f.specialty, "specialty", "", "Specialty (specialist clinics only)")
	cmd.Flags().StringVar(&f.clinic, "clinic", "", "Clinic id")
	cmd.Flags().StringSliceVar(&f.doctors, "doctor", nil, "Doctor id (repeatable)")
	_ = cmd.MarkFlagRequired("type")
}

func (f *slotFlags) bindSlot(cmd *cobra.Command) {
	f.bindFilters(cmd)
	cmd.Flags().StringVar(&f.date, "date", "", "Booking date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.start, "start", "", "Window start time, e.g. 09:00 or 9:00 AM")
	_ = cmd.MarkFlagRequired("date")
	_ = cmd.MarkFlagRequired("start")
}

// desk is a selection with the fetcher that feeds it.
type desk struct {
	sel     *selection.Selection
	fetcher *availability.Fetcher
}

// openDesk loads the doctor and clinic directories, applies the filters and
// fetches availability for them.
func openDesk(ctx context.Context, a *app, f slotFlags) (*desk, availability.Snapshot, error) {
	doctors, err := a.api.Doctors(ctx)
	if err != nil {
		return nil, availability.Snapshot{}, fmt.Errorf("load doctors: %w", err)
	}

	sel := selection.New()
	sel.SetDirectory(doctors)

	ct, err := scheduling.ParseClinicType(f.clinicType)
	if err != nil {
		return nil, availability.Snapshot{}, err
	}
	if err := sel.SetClinicType(ct); err != nil {
		return nil, availability.Snapshot{}, err
	}
	clinics, err := loadClinics(ctx, a, ct)
	if err != nil {
		return nil, availability.Snapshot{}, fmt.Errorf("load clinics: %w", err)
	}
	sel.SetClinics(clinics)
	if f.specialty != "" {
		if err := sel.SetSpecialty(f.specialty); err != nil {
			return nil, availability.Snapshot{}, err
		}
	}
	if f.clinic != "" {
		if err := sel.SetClinic(f.clinic); err != nil {
			return nil, availability.Snapshot{}, err
		}
	}
	if len(f.doctors) > 0 {
		if err := sel.SetDoctors(f.doctors); err != nil {
			return nil, availability.Snapshot{}, err
		}
	}

	fetcher := availability.New(availability.Config{
		Source:      a.api,
		Notifier:    a.notifier(),
		Logger:      a.logger,
		Metrics:     a.metrics,
		Location:    a.loc,
		HorizonDays: a.cfg.HorizonDays,
	})
	snap, err := fetcher.Fetch(ctx, sel.Query())
	if err != nil {
		return nil, availability.Snapshot{}, err
	}
	return &desk{sel: sel, fetcher: fetcher}, snap, nil
}

func loadClinics(ctx context.Context, a *app, ct scheduling.ClinicType) ([]scheduling.Clinic, error) {
	if ct == scheduling.ClinicTypeGeneralPractice {
		return a.api.GPClinics(ctx, 0)
	}
	return a.api.SpecialistClinics(ctx, 0)
}

// choose picks the open window starting at start on date.
func (d *desk) choose(snap availability.Snapshot, date, start string) error {
	if err := d.sel.SetDate(date); err != nil {
		return err
	}
	want, err := wallclock.Normalize(start)
	if err != nil {
		return err
	}
	entry, window, ok := findWindow(snap, date, want)
	if !ok {
		return fmt.Errorf("no open window at %s on %s", want, date)
	}
	return d.sel.ChooseWindow(entry, window)
}

func findWindow(snap availability.Snapshot, date, start string) (scheduling.DateAvailability, scheduling.TimeWindow, bool) {
	for _, e := range snap.EntriesOn(date) {
		for _, w := range e.TimeSlots {
			if w.StartTime == start {
				return e, w, true
			}
		}
	}
	return scheduling.DateAvailability{}, scheduling.TimeWindow{}, false
}

func printSnapshot(w io.Writer, snap availability.Snapshot) {
	fmt.Fprintf(w, "Availability for %s", snap.Query.ClinicType)
	if snap.Query.Specialty != "" {
		fmt.Fprintf(w, " / %s", snap.Query.Specialty)
	}
	fmt.Fprintf(w, " (from %s, %d days)\n", snap.Today, snap.HorizonDays)

	for _, e := range snap.Entries {
		windows := make([]string, len(e.TimeSlots))
		for i, tw := range e.TimeSlots {
			windows[i] = tw.String()
		}
		fmt.Fprintf(w, "%s  %-4s %-22s %s\n", e.Date, e.DoctorID, e.DoctorName, strings.Join(windows, " "))
	}
	if len(snap.Entries) == 0 {
		fmt.Fprintln(w, "No open windows.")
	}
	fmt.Fprintf(w, "%d available, %d unavailable dates\n", len(snap.AvailableDates), len(snap.UnavailableDates))
}

func printAppointment(w io.Writer, appt *scheduling.Appointment) {
	if appt == nil {
		return
	}
	fmt.Fprintf(w, "%s  %s %s-%s  doctor %s  clinic %s  patient %s  %s\n",
		appt.AppointmentID, appt.BookingDate, appt.StartTime, appt.EndTime,
		appt.DoctorID, appt.ClinicID, appt.PatientID, appt.Status)
}

func availabilityCmd() *cobra.Command {
	var (
		f     slotFlags
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "availability",
		Short: "Show open appointment windows for a clinic filter",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			d, snap, err := openDesk(ctx, a, f)
			if err != nil {
				return err
			}
			defer d.fetcher.Close()
			printSnapshot(a.out, snap)
			if !watch {
				return nil
			}

			ch := a.channel()
			if ch == nil {
				return fmt.Errorf("--watch needs PUSH_ENABLED")
			}
			defer ch.Disconnect()
			d.fetcher.OnChange(func(s availability.Snapshot) {
				fmt.Fprintln(a.out)
				printSnapshot(a.out, s)
			})
			d.fetcher.Watch(ch)
			if err := ch.Connect(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("push channel unavailable, retrying in background")
			}
			<-ctx.Done()
			return nil
		},
	}
	f.bindFilters(cmd)
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep running and reprint on slot events")
	return cmd
}

func bookCmd() *cobra.Command {
	var (
		f          slotFlags
		reschedule string
	)
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Book the chosen window for the signed-in patient, or reschedule an appointment",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			var identity *auth.Identity
			if reschedule == "" {
				if identity, err = a.identity(); err != nil {
					return err
				}
			}

			d, snap, err := openDesk(ctx, a, f)
			if err != nil {
				return err
			}
			defer d.fetcher.Close()
			if err := d.choose(snap, f.date, f.start); err != nil {
				return err
			}

			coord := booking.New(booking.Config{
				API:       a.api,
				Selection: d.sel,
				Remover:   d.fetcher,
				Identity:  identity,
				Notifier:  a.notifier(),
				Logger:    a.logger,
				Metrics:   a.metrics,
			})
			defer coord.Close()

			var appt *scheduling.Appointment
			if reschedule != "" {
				appt, err = coord.Reschedule(ctx, reschedule)
			} else {
				appt, err = coord.Book(ctx)
			}
			if err != nil {
				return err
			}
			printAppointment(a.out, appt)
			return nil
		},
	}
	f.bindSlot(cmd)
	cmd.Flags().StringVar(&reschedule, "reschedule", "", "Move this appointment id to the chosen window instead of booking")
	return cmd
}

func walkinCmd() *cobra.Command {
	var (
		f       slotFlags
		details booking.WalkInDetails
	)
	cmd := &cobra.Command{
		Use:   "walkin",
		Short: "Book the chosen window for a patient at the desk (staff only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			identity, err := a.identity()
			if err != nil {
				return err
			}

			d, snap, err := openDesk(ctx, a, f)
			if err != nil {
				return err
			}
			defer d.fetcher.Close()
			if err := d.choose(snap, f.date, f.start); err != nil {
				return err
			}

			coord := booking.New(booking.Config{
				API:       a.api,
				Selection: d.sel,
				Remover:   d.fetcher,
				Identity:  identity,
				Notifier:  a.notifier(),
				Logger:    a.logger,
				Metrics:   a.metrics,
			})
			defer coord.Close()

			appt, err := coord.WalkIn(ctx, details)
			if err != nil {
				return err
			}
			printAppointment(a.out, appt)
			return nil
		},
	}
	f.bindSlot(cmd)
	cmd.Flags().StringVar(&details.Name, "name", "", "Patient name")
	cmd.Flags().StringVar(&details.Phone, "phone", "", "Patient phone")
	cmd.Flags().StringVar(&details.Email, "email", "", "Patient email")
	return cmd
}
