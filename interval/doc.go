/*Package interval implements interval-union operations on genomic target
  regions, as listed in GATK interval lists ("<chr>:<start>-<stop>" lines)
  or BED files.
  (Note the 'union'.  Overlapping and adjacent intervals are merged, not
  tracked separately.)
  It assumes every position fits in a PosType, which is currently defined as
  int32 since that's what BAM and VCF coordinates are limited to.
*/
package interval
